package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/approval"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the remembered recording approval",
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether recordings are approved without asking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := clientStore()
		if err != nil {
			return err
		}
		token, err := local.Token()
		if err != nil {
			return err
		}
		if token == "" {
			fmt.Println("No approval remembered; the dialog will be shown")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := connect(ctx, false)
		if err != nil {
			fmt.Printf("Approval remembered in %s (service not reachable to confirm)\n", local.Path())
			return nil
		}
		defer client.Close()

		ok, err := tokenClient{client: client}.ValidateToken(ctx, token)
		switch {
		case err != nil:
			return fmt.Errorf("failed to validate token: %w", err)
		case ok:
			fmt.Println("Approval remembered and accepted by the service")
		default:
			fmt.Println("Remembered approval was revoked; the dialog will be shown")
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Forget the remembered approval",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		servicePath := cfg.Approval.TokenFile
		if servicePath == "" {
			var err error
			if servicePath, err = approval.DefaultPath(); err != nil {
				return err
			}
		}
		local, err := clientStore()
		if err != nil {
			return err
		}
		var errs []error
		for _, s := range []*approval.Store{approval.NewStore(servicePath), local} {
			if err := s.Revoke(); err != nil {
				errs = append(errs, err)
				continue
			}
			slog.Debug("Approval token removed", "path", s.Path())
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		fmt.Println("Approval revoked")
		return nil
	},
}

func clientStore() (*approval.Store, error) {
	path, err := approval.ClientPath()
	if err != nil {
		return nil, err
	}
	return approval.NewStore(path), nil
}

func init() {
	tokenCmd.AddCommand(tokenStatusCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
