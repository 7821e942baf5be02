package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/api"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connections and pending requests of a running hub",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().String("url", "http://localhost:8080", "hub base URL")
	cmd.Flags().String("token", "", "status token (if the hub requires one)")
	cmd.Flags().BoolP("watch", "w", false, "refresh continuously")
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval with --watch")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if watch {
		m := newStatusModel(baseURL, token, interval)
		_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	st, err := fetchStatus(ctx, baseURL, token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
	return err
}

// fetchStatus reads GET /api/status from the hub at baseURL.
func fetchStatus(ctx context.Context, baseURL, token string) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch status: hub returned %s", resp.Status)
	}
	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func renderStatus(st *api.StatusResponse) string {
	var b strings.Builder

	summary := fmt.Sprintf("%d connections  %d runtimes  %d agents  %d pending  up %s",
		st.ActiveConnections, st.Runtimes, st.Agents, st.PendingRequests, st.Uptime)
	b.WriteString(titleStyle.Render("relay hub") + "  " + mutedStyle.Render(summary) + "\n\n")

	if len(st.Projects) == 0 {
		b.WriteString(mutedStyle.Render("no projects connected"))
		return panelStyle.Render(b.String())
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-24s %-8s %6s  %s", "PROJECT", "RUNTIME", "AGENTS", "LAST ACTIVITY")))
	for _, p := range st.Projects {
		rt := "none"
		if p.HasRuntime {
			rt = "online"
		}
		last := "-"
		if !p.LastActivity.IsZero() {
			last = p.LastActivity.Local().Format(time.TimeOnly)
		}
		b.WriteString("\n" + runtimeDot(p.HasRuntime) + " " +
			fmt.Sprintf("%-24s %-8s %6d  %s", truncate(p.ProjectID, 24), rt, p.AgentCount, last))
	}
	return panelStyle.Render(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

type statusMsg struct {
	status *api.StatusResponse
	err    error
}

type tickMsg time.Time

type statusKeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var statusKeys = statusKeyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
}

// statusModel polls the hub and redraws on every answer.
type statusModel struct {
	baseURL  string
	token    string
	interval time.Duration
	fetch    func(ctx context.Context, baseURL, token string) (*api.StatusResponse, error)

	spinner  spinner.Model
	status   *api.StatusResponse
	err      error
	loading  bool
	updated  time.Time
	quitting bool
}

func newStatusModel(baseURL, token string, interval time.Duration) statusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return statusModel{
		baseURL:  baseURL,
		token:    token,
		interval: interval,
		fetch:    fetchStatus,
		spinner:  sp,
		loading:  true,
	}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m statusModel) poll() tea.Cmd {
	fetch, baseURL, token := m.fetch, m.baseURL, m.token
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := fetch(ctx, baseURL, token)
		return statusMsg{status: st, err: err}
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, statusKeys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, statusKeys.Refresh):
			if !m.loading {
				m.loading = true
				return m, m.poll()
			}
		}
		return m, nil

	case statusMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.updated = time.Now()
		}
		interval := m.interval
		return m, tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	switch {
	case m.status != nil:
		b.WriteString(renderStatus(m.status))
	case m.loading:
		b.WriteString(m.spinner.View() + " connecting to " + m.baseURL)
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("error: "+m.err.Error()) + "\n")
	}

	footer := "q quit  r refresh"
	if !m.updated.IsZero() {
		footer = "updated " + m.updated.Format(time.TimeOnly) + "  " + footer
	}
	if m.loading && m.status != nil {
		footer = m.spinner.View() + " " + footer
	}
	b.WriteString(mutedStyle.Render(footer))
	return b.String()
}
