package router

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// ExecStarter launches the primary service as a detached child process.
type ExecStarter struct {
	Path   string
	Args   []string
	Logger *slog.Logger
}

var _ PrimaryAutoStart = (*ExecStarter)(nil)

func (s *ExecStarter) StartPrimary(_ context.Context) error {
	if s.Path == "" {
		return fmt.Errorf("no primary start command configured")
	}
	cmd := exec.Command(s.Path, s.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start primary: %w", err)
	}
	s.Logger.Info("primary process launched", slog.Int("pid", cmd.Process.Pid))
	// The child owns its own lifecycle; reap it in the background so it
	// never becomes a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}
