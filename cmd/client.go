package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/omnirec/omnirec/internal/ipc"
)

const firstDialTimeout = 300 * time.Millisecond

// connect dials the service. With spawn set, an unreachable service is started
// in the background and dialed again within the configured timeout.
func connect(ctx context.Context, spawn bool) (*ipc.Client, error) {
	addr, err := serviceAddress()
	if err != nil {
		return nil, err
	}
	timeout := cfg.IPC.DialTimeout
	if spawn {
		timeout = firstDialTimeout
	}
	client, err := ipc.Dial(ctx, addr, timeout)
	if err == nil || !spawn || errors.Is(err, ipc.ErrUntrustedPeer) {
		return client, err
	}

	slog.Info("Service not running, starting it", "address", addr)
	if err := spawnService(); err != nil {
		return nil, fmt.Errorf("%w: failed to start service: %v", ipc.ErrConnectionFailed, err)
	}
	return ipc.Dial(ctx, addr, cfg.IPC.DialTimeout)
}

// spawnService starts `omnirec serve` detached from this process.
func spawnService() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	c := exec.Command(exe, args...)
	c.SysProcAttr = detachedProcAttr()
	if err := c.Start(); err != nil {
		return err
	}
	slog.Debug("Service spawned", "pid", c.Process.Pid)
	return c.Process.Release()
}

// tokenClient lets an approval.Authorizer use the service's token store.
type tokenClient struct {
	client *ipc.Client
}

func (t tokenClient) ValidateToken(ctx context.Context, token string) (bool, error) {
	reply, err := t.client.Call(ctx, &ipc.Message{Type: ipc.TypeValidateToken, Token: token})
	if err != nil {
		return false, err
	}
	return reply.Type == ipc.TypeTokenValid, nil
}

func (t tokenClient) StoreToken(ctx context.Context, token string) error {
	_, err := t.client.Call(ctx, &ipc.Message{Type: ipc.TypeStoreToken, Token: token})
	return err
}
