package approval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	b, _ := GenerateToken()
	if len(a) != 64 || !wellFormed(a) {
		t.Errorf("Expected 64 hex chars, got %q", a)
	}
	if a == b {
		t.Error("Expected distinct tokens")
	}
}

func TestDefaultPath_XDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/state")
	p, err := DefaultPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join("/state", "omnirec", "approval-token") {
		t.Errorf("Unexpected path %s", p)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "omnirec", "approval-token")
	s := NewStore(path)

	if s.Exists() {
		t.Fatal("Expected no token before first Set")
	}
	token, _ := GenerateToken()
	if s.Validate(token) {
		t.Error("Expected validation to fail without a stored token")
	}
	if err := s.Set(token); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !s.Validate(token) {
		t.Error("Expected stored token to validate")
	}
	other, _ := GenerateToken()
	if s.Validate(other) || s.Validate(token[:10]) {
		t.Error("Expected other tokens to be rejected")
	}

	if runtime.GOOS != "windows" {
		st, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := st.Mode().Perm(); perm != 0600 {
			t.Errorf("Expected mode 0600, got %o", perm)
		}
	}

	// A fresh store reads the file on first access.
	if !NewStore(path).Validate(token) {
		t.Error("Expected token to persist")
	}

	if err := s.Revoke(); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if s.Validate(token) || NewStore(path).Exists() {
		t.Error("Expected token to be gone after Revoke")
	}
	if err := s.Revoke(); err != nil {
		t.Errorf("Expected second Revoke to succeed, got %v", err)
	}
}

func TestStore_RejectsMalformed(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "approval-token"))
	for _, tok := range []string{"", "abc", strings.Repeat("G", 64), strings.Repeat("A", 64)} {
		if err := s.Set(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Set(%q) = %v, expected ErrInvalidToken", tok, err)
		}
	}
}

func TestStore_IgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approval-token")
	os.WriteFile(path, []byte("garbage\n"), 0600)
	if NewStore(path).Exists() {
		t.Error("Expected corrupt file to count as no token")
	}
}

func TestParseDecision(t *testing.T) {
	tests := map[string]Decision{
		"ALWAYS_ALLOW\n":  AlwaysAllow,
		"  allow_once  ":  AllowOnce,
		"DENY":            Deny,
		"":                Deny,
		"MAYBE":           Deny,
		"ALLOW_ONCE more": AllowOnce,
	}
	for in, want := range tests {
		if got := ParseDecision(in); got != want {
			t.Errorf("ParseDecision(%q) = %s, want %s", in, got, want)
		}
	}
}

type fakeChecker struct {
	stored    string
	validErr  error
	storeErr  error
	validated int
}

func (f *fakeChecker) ValidateToken(_ context.Context, token string) (bool, error) {
	f.validated++
	if f.validErr != nil {
		return false, f.validErr
	}
	return f.stored != "" && token == f.stored, nil
}

func (f *fakeChecker) StoreToken(_ context.Context, token string) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = token
	return nil
}

type fakeDialog struct {
	decision Decision
	asked    int
}

func (f *fakeDialog) Ask(context.Context, string) (Decision, error) {
	f.asked++
	return f.decision, nil
}

func TestAuthorizer(t *testing.T) {
	ctx := context.Background()

	t.Run("always allow remembers", func(t *testing.T) {
		checker := &fakeChecker{}
		dialog := &fakeDialog{decision: AlwaysAllow}
		a := &Authorizer{Checker: checker, Dialog: dialog, Local: NewStore(filepath.Join(t.TempDir(), "client-token"))}

		if err := a.Authorize(ctx, "Display: DP-1"); err != nil {
			t.Fatalf("Expected approval, got %v", err)
		}
		if checker.stored == "" || !a.Local.Validate(checker.stored) {
			t.Fatal("Expected token stored on both sides")
		}
		if err := a.Authorize(ctx, "Display: DP-1"); err != nil {
			t.Fatalf("Expected approval by token, got %v", err)
		}
		if dialog.asked != 1 {
			t.Errorf("Expected dialog shown once, got %d", dialog.asked)
		}
	})

	t.Run("allow once does not remember", func(t *testing.T) {
		checker := &fakeChecker{}
		a := &Authorizer{Checker: checker, Dialog: &fakeDialog{decision: AllowOnce}, Local: NewStore(filepath.Join(t.TempDir(), "client-token"))}
		if err := a.Authorize(ctx, "Window: editor"); err != nil {
			t.Fatalf("Expected approval, got %v", err)
		}
		if checker.stored != "" || a.Local.Exists() {
			t.Error("Expected no token after ALLOW_ONCE")
		}
	})

	t.Run("deny", func(t *testing.T) {
		a := &Authorizer{Checker: &fakeChecker{}, Dialog: &fakeDialog{decision: Deny}, Local: NewStore(filepath.Join(t.TempDir(), "client-token"))}
		if err := a.Authorize(ctx, "Region on: DP-1"); !errors.Is(err, ErrDenied) {
			t.Errorf("Expected ErrDenied, got %v", err)
		}
	})

	t.Run("revoked token asks again", func(t *testing.T) {
		local := NewStore(filepath.Join(t.TempDir(), "client-token"))
		old, _ := GenerateToken()
		local.Set(old)
		dialog := &fakeDialog{decision: Deny}
		a := &Authorizer{Checker: &fakeChecker{}, Dialog: dialog, Local: local}
		if err := a.Authorize(ctx, "Display: DP-1"); !errors.Is(err, ErrDenied) {
			t.Errorf("Expected ErrDenied, got %v", err)
		}
		if dialog.asked != 1 {
			t.Error("Expected dialog after rejected token")
		}
	})

	t.Run("validation failure is an error", func(t *testing.T) {
		local := NewStore(filepath.Join(t.TempDir(), "client-token"))
		tok, _ := GenerateToken()
		local.Set(tok)
		boom := errors.New("disconnected")
		a := &Authorizer{Checker: &fakeChecker{validErr: boom}, Dialog: &fakeDialog{decision: AllowOnce}, Local: local}
		if err := a.Authorize(ctx, "Display: DP-1"); !errors.Is(err, boom) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})
}

func TestCommandDialog(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	ctx := context.Background()
	tests := []struct {
		name   string
		script string
		want   Decision
	}{
		{"always", `echo ALWAYS_ALLOW`, AlwaysAllow},
		{"once", `echo ALLOW_ONCE`, AllowOnce},
		{"non-zero exit", `echo ALWAYS_ALLOW; exit 1`, Deny},
		{"silent", `true`, Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CommandDialog{Command: []string{"sh", "-c", tt.script, "dialog"}}
			got, err := d.Ask(ctx, "Display: DP-1")
			if err != nil {
				t.Fatalf("Ask failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := (CommandDialog{Command: []string{filepath.Join(t.TempDir(), "missing")}}).Ask(ctx, "x"); err == nil {
		t.Error("Expected error for missing dialog binary")
	}
}

func TestStore_SeesRevocationByOtherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approval-token")
	service := NewStore(path)
	token, _ := GenerateToken()
	if err := service.Set(token); err != nil {
		t.Fatal(err)
	}
	if !service.Validate(token) {
		t.Fatal("Expected token to validate")
	}

	if err := NewStore(path).Revoke(); err != nil {
		t.Fatal(err)
	}
	if service.Validate(token) {
		t.Error("Expected revoked token to be rejected by the running store")
	}
}
