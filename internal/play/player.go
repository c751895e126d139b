// Package play opens finished recordings in an external video player.
package play

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNoRecordings is returned by Latest when the directory holds no recordings.
var ErrNoRecordings = errors.New("no recordings found")

// DefaultPlayers is the lookup order on PATH.
var DefaultPlayers = []string{"mpv", "vlc", "ffplay"}

type Player struct {
	Players  []string
	lookPath func(string) (string, error)
}

func New() *Player {
	return &Player{Players: DefaultPlayers, lookPath: exec.LookPath}
}

// Latest returns the newest recording_* file in dir with one of the given extensions.
func Latest(dir string, exts ...string) (string, error) {
	var matches []string
	for _, ext := range exts {
		m, err := filepath.Glob(filepath.Join(dir, "recording_*."+ext))
		if err != nil {
			return "", err
		}
		matches = append(matches, m...)
	}
	var latest string
	var latestMod int64
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		if mod := st.ModTime().UnixNano(); latest == "" || mod > latestMod || (mod == latestMod && m > latest) {
			latest, latestMod = m, mod
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoRecordings, dir)
	}
	return latest, nil
}

// Command builds the player invocation for file.
func (p *Player) Command(ctx context.Context, file string) (*exec.Cmd, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("recording not found: %s", file)
	}
	player, err := p.find()
	if err != nil {
		return nil, err
	}

	var args []string
	switch filepath.Base(player) {
	case "vlc":
		args = []string{"--play-and-exit", file}
	case "ffplay":
		args = []string{"-autoexit", file}
	default:
		args = []string{file}
	}
	cmd := exec.CommandContext(ctx, player, args...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return cmd, nil
}

// Play runs the player and waits for it to exit.
func (p *Player) Play(ctx context.Context, file string) error {
	cmd, err := p.Command(ctx, file)
	if err != nil {
		return err
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", filepath.Base(cmd.Path), err)
	}
	return nil
}

func (p *Player) find() (string, error) {
	for _, name := range p.Players {
		if path, err := p.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no video player found (tried: %s)", strings.Join(p.Players, ", "))
}
