package main

import (
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/spf13/cobra"
)

type tokenOptions struct {
	UserId   int
	Username string
	Admin    bool
}

// newTokenCommand mints a bearer token signed with API_SECRET, for operators calling /internal/ops.
func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a bearer token for a user (signed with API_SECRET)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.UserId <= 0 {
				return utils.NewValidationError("user-id", "must be positive")
			}
			username := strings.TrimSpace(opts.Username)
			if username == "" {
				username = adminUsername
			}
			role := "user"
			if opts.Admin {
				role = utils.RoleAdmin
			}
			token, err := utils.JwtGenerate(opts.UserId, username, role)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"user_id": opts.UserId, "role": role, "token": token})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.UserId, "user-id", 0, "user id carried by the token (required)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "username carried by the token")
	cmd.Flags().BoolVar(&opts.Admin, "admin", false, "grant the admin role")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
