package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/amurg-ai/relay/hub/auth"
	"github.com/amurg-ai/relay/hub/config"
	"github.com/amurg-ai/relay/pkg/protocol"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a connection token for a project runtime or agent",
		Long: "Issue a signed, expiring connection token using the builtin provider's JWT secret.\n" +
			"With --static, generate a long-lived static key instead and print the config entry to add.",
		Args: cobra.NoArgs,
		RunE: runToken,
	}
	cmd.Flags().StringP("project", "p", "", "project id (required)")
	cmd.Flags().StringP("role", "r", "agent", "client type: runtime or agent")
	cmd.Flags().String("subject", "", "subject recorded in the audit log")
	cmd.Flags().Bool("static", false, "generate a static key instead of a JWT")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetString("project")
	roleName, _ := cmd.Flags().GetString("role")
	subject, _ := cmd.Flags().GetString("subject")
	static, _ := cmd.Flags().GetBool("static")

	role := protocol.ClientType(roleName)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q: must be runtime or agent", roleName)
	}
	out := cmd.OutOrStdout()

	if static {
		key, token, err := auth.NewStaticKey(projectID, role, subject)
		if err != nil {
			return err
		}
		entry, err := yaml.Marshal(map[string][]config.StaticKey{"static_keys": {key}})
		if err != nil {
			return fmt.Errorf("encode key: %w", err)
		}
		_, _ = fmt.Fprintf(out, "Token (shown once): %s\n\nAdd under auth in your config:\n\n%s", token, entry)
		return nil
	}

	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if cfg.Auth.Provider != "builtin" {
		return fmt.Errorf("tokens can only be issued by the builtin provider (configured: %s)", cfg.Auth.Provider)
	}

	token, err := auth.NewService(cfg.Auth).IssueToken(projectID, role, subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
