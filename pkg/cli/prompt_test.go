package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"answer", "hello\n", "hello"},
		{"empty uses default", "\n", "fallback"},
		{"whitespace uses default", "   \n", "fallback"},
		{"eof uses default", "", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Name", "fallback"); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskSecret(t *testing.T) {
	p, out := newTestPrompter("typed\n\n")
	if got := p.AskSecret("Secret", "generated"); got != "typed" {
		t.Errorf("AskSecret() = %q, want typed", got)
	}
	if got := p.AskSecret("Secret", "generated"); got != "generated" {
		t.Errorf("AskSecret() = %q, want generated", got)
	}
	if strings.Contains(out.String(), "generated") {
		t.Errorf("generated value echoed: %q", out.String())
	}
}

func TestAskInt(t *testing.T) {
	p, out := newTestPrompter("abc\n-1\n5\n")
	if got := p.AskInt("Count", 1); got != 5 {
		t.Errorf("AskInt() = %d, want 5", got)
	}
	if n := strings.Count(out.String(), "Please enter a positive number"); n != 2 {
		t.Errorf("retry prompts: got %d, want 2", n)
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskInt("Count", 3); got != 3 {
		t.Errorf("AskInt() default = %d, want 3", got)
	}
}

func TestAskDuration(t *testing.T) {
	p, out := newTestPrompter("soon\n0s\n45s\n")
	if got := p.AskDuration("Timeout", 30*time.Second); got != 45*time.Second {
		t.Errorf("AskDuration() = %v, want 45s", got)
	}
	if !strings.Contains(out.String(), "[30s]") {
		t.Errorf("default not shown: %q", out.String())
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskDuration("Timeout", time.Minute); got != time.Minute {
		t.Errorf("AskDuration() default = %v", got)
	}
}

func TestChoose(t *testing.T) {
	p, out := newTestPrompter("9\n2\n")
	got := p.Choose("Driver", []string{"sqlite", "postgres", "none"}, 0)
	if got != "postgres" {
		t.Errorf("Choose() = %q, want postgres", got)
	}
	if !strings.Contains(out.String(), "> 1) sqlite") {
		t.Errorf("default marker missing: %q", out.String())
	}

	p, _ = newTestPrompter("\n")
	if got := p.Choose("Driver", []string{"sqlite", "postgres"}, 1); got != "postgres" {
		t.Errorf("Choose() default = %q", got)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"Yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestSection(t *testing.T) {
	p, out := newTestPrompter("")
	p.Section("Relay")
	if !strings.Contains(out.String(), "Relay\n─────\n") {
		t.Errorf("Section() = %q", out.String())
	}
}
