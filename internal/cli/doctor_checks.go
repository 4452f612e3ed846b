package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/codex-k8s/devstack/internal/docker"
)

func runDoctorChecks(ctx context.Context, logger *slog.Logger, a *app) error {
	var fatalErrs []error
	check := func(name string, err error) {
		if err != nil {
			logger.Error("doctor check failed", "check", name, "error", err)
			fatalErrs = append(fatalErrs, err)
			return
		}
		logger.Info("doctor check ok", "check", name)
	}

	check("docker daemon", runToolCheck(ctx, a.settings.Docker, "info"))

	words, err := shellwords.Parse(a.settings.ComposeCommand)
	if err == nil && len(words) == 0 {
		err = fmt.Errorf("DEVSTACK_COMPOSE_COMMAND is empty")
	}
	if err == nil {
		err = runToolCheck(ctx, words[0], append(words[1:], "version")...)
	}
	check("compose command", err)

	reg, err := a.store.Load(ctx)
	check("project registry", err)
	if err == nil {
		for _, c := range reg.Conflicts() {
			err := fmt.Errorf("host port %d is held by active projects %v", c.Port, c.Projects)
			check("port conflicts", err)
		}
	}
	if stale, err := a.orch.Stale(ctx); err == nil && len(stale) > 0 {
		logger.Warn("stale projects in registry; run devstack projects cleanup", "count", len(stale))
	}

	if running, err := a.proxy.Running(ctx); err != nil {
		logger.Warn("reverse proxy status unknown", "error", err)
	} else if !running {
		logger.Warn("reverse proxy is not running; it starts with the first project")
	} else {
		logger.Info("doctor check ok", "check", "reverse proxy")
	}

	if len(fatalErrs) > 0 {
		return fmt.Errorf("doctor found %d fatal issue(s); see log for details", len(fatalErrs))
	}
	return nil
}

func runToolCheck(ctx context.Context, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	res, err := docker.ExecRunner{}.Run(ctx, docker.Command{Name: name, Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %v exited with code %d", name, args, res.ExitCode)
	}
	return nil
}
