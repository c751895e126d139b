package approval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Decision is the answer of the approval dialog.
type Decision string

const (
	AlwaysAllow Decision = "ALWAYS_ALLOW"
	AllowOnce   Decision = "ALLOW_ONCE"
	Deny        Decision = "DENY"
)

// ErrDenied is returned when the user refuses the recording.
var ErrDenied = errors.New("recording not approved")

// ParseDecision reads the first word the dialog printed. Anything unrecognized is a denial.
func ParseDecision(output string) Decision {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return Deny
	}
	switch d := Decision(strings.ToUpper(fields[0])); d {
	case AlwaysAllow, AllowOnce:
		return d
	default:
		return Deny
	}
}

// Dialog asks the user about a recording of the described source.
type Dialog interface {
	Ask(ctx context.Context, description string) (Decision, error)
}

// CommandDialog runs an external program with the description as its last argument.
// A non-zero exit status means DENY.
type CommandDialog struct {
	Command []string
}

func (d CommandDialog) Ask(ctx context.Context, description string) (Decision, error) {
	if len(d.Command) == 0 {
		return Deny, fmt.Errorf("no approval dialog configured")
	}
	args := append(append([]string{}, d.Command[1:]...), description)
	cmd := exec.CommandContext(ctx, d.Command[0], args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	slog.Debug("Running approval dialog", "command", d.Command[0], "source", description)
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return Deny, nil
	case err != nil:
		return Deny, fmt.Errorf("failed to run approval dialog: %w", err)
	}
	return ParseDecision(stdout.String()), nil
}

// TokenChecker is the service side of the token exchange.
type TokenChecker interface {
	ValidateToken(ctx context.Context, token string) (bool, error)
	StoreToken(ctx context.Context, token string) error
}

// Authorizer approves a recording with the remembered token, or by asking the user.
type Authorizer struct {
	Checker TokenChecker
	Dialog  Dialog
	// Local holds the client's copy of the token.
	Local *Store
}

// Authorize returns nil when the recording may start and ErrDenied when the user refused.
func (a *Authorizer) Authorize(ctx context.Context, description string) error {
	if token, err := a.Local.Token(); err != nil {
		slog.Warn("Ignoring unreadable approval token", "error", err)
	} else if token != "" {
		ok, err := a.Checker.ValidateToken(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to validate approval token: %w", err)
		}
		if ok {
			slog.Debug("Recording approved by stored token")
			return nil
		}
		slog.Info("Stored approval token was rejected, asking again")
	}

	decision, err := a.Dialog.Ask(ctx, description)
	if err != nil {
		return err
	}
	slog.Info("Approval dialog answered", "decision", decision)

	switch decision {
	case AllowOnce:
		return nil
	case AlwaysAllow:
		token, err := GenerateToken()
		if err != nil {
			return err
		}
		if err := a.Checker.StoreToken(ctx, token); err != nil {
			slog.Warn("Failed to remember approval", "error", err)
			return nil
		}
		if err := a.Local.Set(token); err != nil {
			slog.Warn("Failed to save approval token", "error", err)
		}
		return nil
	default:
		return ErrDenied
	}
}
