package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/ncruces/zenity"
	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/approval"
)

var dialogCmd = &cobra.Command{
	Use:   "dialog <source description>",
	Short: "Ask the user to approve a recording",
	Long: `Show the recording approval dialog and print ALWAYS_ALLOW, ALLOW_ONCE or DENY.
The exit status is 0 when the recording is approved and 1 otherwise.`,
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := zenity.Question(
			fmt.Sprintf("OmniRec wants to record:\n\n%s", args[0]),
			zenity.Title("Allow screen recording?"),
			zenity.OKLabel("Allow once"),
			zenity.ExtraButton("Always allow"),
			zenity.CancelLabel("Deny"),
		)
		switch {
		case err == nil:
			fmt.Println(approval.AllowOnce)
		case errors.Is(err, zenity.ErrExtraButton):
			fmt.Println(approval.AlwaysAllow)
		case errors.Is(err, zenity.ErrCanceled):
			fmt.Println(approval.Deny)
			os.Exit(1)
		default:
			fmt.Println(approval.Deny)
			return fmt.Errorf("approval dialog failed: %w", err)
		}
		return nil
	},
}
