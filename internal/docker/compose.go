package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/codex-k8s/devstack/internal/logging"
)

const (
	// DefaultComposeCommand is used when no compose command is configured.
	DefaultComposeCommand = "docker compose"
	// DefaultTimeout bounds every blocking compose call.
	DefaultTimeout = 10 * time.Minute
	// StatusTimeout bounds status probes.
	StatusTimeout = 30 * time.Second
)

// Project identifies the compose files of one project.
type Project struct {
	Name string
	// Dir is the working directory of the tool.
	Dir  string

	// ProjectDir, when set, is passed as --project-directory so relative
	// paths resolve against it instead of the first compose file.
	ProjectDir string
	Files      []string
	EnvFile    string
}

// Options configures a ComposeTool.
type Options struct {
	// ComposeCommand is split with shell rules, e.g. "docker compose" or "docker-compose".
	ComposeCommand string
	// Docker is the docker binary used for network commands.
	Docker  string
	Timeout time.Duration
	Logger  *slog.Logger
	// Output receives live tool output when set.
	Output io.Writer
}

// ComposeTool runs docker compose subcommands for a project.
type ComposeTool struct {
	runner  Runner
	compose []string
	docker  string
	timeout time.Duration
	logger  *slog.Logger
	output  io.Writer
}

// NewComposeTool builds a ComposeTool on top of runner.
func NewComposeTool(runner Runner, opts Options) (*ComposeTool, error) {
	line := strings.TrimSpace(opts.ComposeCommand)
	if line == "" {
		line = DefaultComposeCommand
	}
	words, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse compose command %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("compose command is empty")
	}
	dockerBin := strings.TrimSpace(opts.Docker)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ComposeTool{
		runner:  runner,
		compose: words,
		docker:  dockerBin,
		timeout: timeout,
		logger:  logging.OrDiscard(opts.Logger),
		output:  opts.Output,
	}, nil
}

// Up runs "up -d" for the given services, or all when none are given.
func (t *ComposeTool) Up(ctx context.Context, p Project, services ...string) (Result, error) {
	args := append([]string{"up", "-d"}, services...)
	return t.run(ctx, p, t.timeout, true, args...)
}

// DownOptions controls Down.
type DownOptions struct {
	RemoveOrphans bool
	Volumes       bool
}

// Down stops and removes the project's containers.
func (t *ComposeTool) Down(ctx context.Context, p Project, opts DownOptions) (Result, error) {
	args := []string{"down"}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	if opts.Volumes {
		args = append(args, "--volumes")
	}
	return t.run(ctx, p, t.timeout, true, args...)
}

// BuildOptions controls Build.
type BuildOptions struct {
	NoCache bool
}

// Build builds the project's images.
func (t *ComposeTool) Build(ctx context.Context, p Project, opts BuildOptions) (Result, error) {
	args := []string{"build"}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	return t.run(ctx, p, t.timeout, true, args...)
}

// Restart restarts the given services, or all when none are given.
func (t *ComposeTool) Restart(ctx context.Context, p Project, services ...string) (Result, error) {
	args := append([]string{"restart"}, services...)
	return t.run(ctx, p, t.timeout, true, args...)
}

// Config runs "config --quiet", the offline validation gate of the tool.
func (t *ComposeTool) Config(ctx context.Context, p Project) (Result, error) {
	return t.run(ctx, p, t.timeout, false, "config", "--quiet")
}

// ExecOptions controls Exec.
type ExecOptions struct {
	// Interactive attaches Stdin and lets compose allocate a TTY; otherwise -T is passed.
	Interactive bool
	Stdin       io.Reader
}

// Exec runs command inside a running service container.
func (t *ComposeTool) Exec(ctx context.Context, p Project, service string, command []string, opts ExecOptions) (Result, error) {
	args := []string{"exec"}
	if !opts.Interactive {
		args = append(args, "-T")
	}
	args = append(args, service)
	args = append(args, command...)
	cmd := t.command(p, args...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout, cmd.Stderr = t.output, t.output
	return t.exec(ctx, cmd, 0)
}

// LogsOptions controls Logs.
type LogsOptions struct {
	Follow   bool
	Tail     int
	Services []string
}

// Logs prints service logs. Following logs is not bounded by the timeout.
func (t *ComposeTool) Logs(ctx context.Context, p Project, opts LogsOptions) (Result, error) {
	args := []string{"logs"}
	if opts.Follow {
		args = append(args, "--follow")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.Tail))
	}
	args = append(args, opts.Services...)
	timeout := t.timeout
	if opts.Follow {
		timeout = 0
	}
	return t.run(ctx, p, timeout, true, args...)
}

// ServiceStatus is one container reported by "ps --format json".
type ServiceStatus struct {
	Name     string `json:"Name"`
	Service  string `json:"Service"`
	State    string `json:"State"`
	Health   string `json:"Health"`
	ExitCode int    `json:"ExitCode"`
}

// Running reports whether the container is running.
func (s ServiceStatus) Running() bool {
	return s.State == "running"
}

// Healthy reports whether the container's health check passes.
func (s ServiceStatus) Healthy() bool {
	return s.Health == "healthy"
}

// Status lists the project's containers, stopped ones included.
func (t *ComposeTool) Status(ctx context.Context, p Project) ([]ServiceStatus, error) {
	res, err := t.run(ctx, p, StatusTimeout, false, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	return ParseStatus([]byte(res.Stdout))
}

// ParseStatus decodes ps output, which is a JSON array on older compose
// releases and one JSON object per line on newer ones.
func ParseStatus(data []byte) ([]ServiceStatus, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	if strings.HasPrefix(text, "[") {
		var out []ServiceStatus
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("decode compose ps output: %w", err)
		}
		return out, nil
	}
	var out []ServiceStatus
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var st ServiceStatus
		if err := json.Unmarshal([]byte(line), &st); err != nil {
			return nil, fmt.Errorf("decode compose ps line: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// NetworkExists reports whether the docker network exists.
func (t *ComposeTool) NetworkExists(ctx context.Context, name string) (bool, error) {
	res, err := t.exec(ctx, Command{Name: t.docker, Args: []string{"network", "inspect", name}}, StatusTimeout)
	if err != nil {
		if IsExternalToolError(err) {
			return false, nil
		}
		return false, err
	}
	return res.ExitCode == 0, nil
}

// EnsureNetwork creates the network when it does not exist yet.
func (t *ComposeTool) EnsureNetwork(ctx context.Context, name string) error {
	exists, err := t.NetworkExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	t.logger.Info("creating docker network", "network", name)
	if _, err := t.exec(ctx, Command{Name: t.docker, Args: []string{"network", "create", name}}, t.timeout); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (t *ComposeTool) command(p Project, args ...string) Command {
	full := append([]string{}, t.compose[1:]...)
	if p.Name != "" {
		full = append(full, "-p", p.Name)
	}
	for _, f := range p.Files {
		full = append(full, "-f", f)
	}
	if p.ProjectDir != "" {
		full = append(full, "--project-directory", p.ProjectDir)
	}
	if p.EnvFile != "" {
		full = append(full, "--env-file", p.EnvFile)
	}
	full = append(full, args...)
	return Command{Name: t.compose[0], Args: full, Dir: p.Dir}
}

func (t *ComposeTool) run(ctx context.Context, p Project, timeout time.Duration, stream bool, args ...string) (Result, error) {
	cmd := t.command(p, args...)
	if stream {
		cmd.Stdout, cmd.Stderr = t.output, t.output
	}
	return t.exec(ctx, cmd, timeout)
}

func (t *ComposeTool) exec(ctx context.Context, cmd Command, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	t.logger.Debug("running container tool", "command", cmd.String(), "dir", cmd.Dir)
	res, err := t.runner.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, newToolError(cmd, res)
	}
	return res, nil
}
