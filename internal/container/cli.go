package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CLIRuntime implements Runtime by shelling out to the docker CLI,
// optionally prefixed with sudo. It exists for hosts where the daemon
// socket is root-owned and the service runs unprivileged.
type CLIRuntime struct {
	sudo   bool
	logger *slog.Logger
}

func NewCLIRuntime(sudo bool, logger *slog.Logger) *CLIRuntime {
	return &CLIRuntime{sudo: sudo, logger: logger}
}

// probe reports whether a plain `docker ps` exits zero
func (r *CLIRuntime) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, _, err := r.run(probeCtx, "ps")
	return err == nil
}

func (r *CLIRuntime) command(ctx context.Context, args ...string) *exec.Cmd {
	if r.sudo {
		return exec.CommandContext(ctx, "sudo", append([]string{"docker"}, args...)...)
	}
	return exec.CommandContext(ctx, "docker", args...)
}

func (r *CLIRuntime) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := r.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out, errOut := stdout.String(), stderr.String()
	if err == nil {
		return out, errOut, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return out, errOut, fmt.Errorf("%w: docker %s", ErrTimeout, args[0])
	}
	if errors.Is(err, exec.ErrNotFound) {
		return out, errOut, fmt.Errorf("%w: docker binary not found", ErrRuntimeUnavailable)
	}
	if strings.Contains(errOut, "No such container") || strings.Contains(errOut, "No such object") {
		return out, errOut, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(errOut))
	}
	if strings.Contains(errOut, "Cannot connect to the Docker daemon") {
		return out, errOut, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, strings.TrimSpace(errOut))
	}
	return out, errOut, fmt.Errorf("%w: docker %s: %v: %s", ErrUnexpectedOutput, args[0], err, strings.TrimSpace(errOut))
}

func (r *CLIRuntime) ListRunning(ctx context.Context) ([]Summary, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	out, _, err := r.run(listCtx,
		"ps",
		"--filter", "name="+NamePrefix,
		"--filter", "status=running",
		"--format", "{{.ID}}|{{.Names}}|{{.Status}}|{{.Ports}}",
	)
	if err != nil {
		return nil, err
	}

	var summaries []Summary
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 4)
		if len(fields) < 4 {
			continue
		}

		id := strings.TrimSpace(fields[0])
		name := strings.TrimSpace(fields[1])
		if !strings.HasPrefix(name, NamePrefix) {
			continue
		}

		// ps has been observed to report recently-exited containers;
		// confirm the running flag before trusting the entry
		state, err := r.Inspect(ctx, id)
		if err != nil || !state.Running {
			r.logger.Debug("dropping non-running container from list", "name", name, "status", fields[2])
			continue
		}

		summaries = append(summaries, Summary{
			ID:       shortID(id),
			Name:     name,
			Status:   strings.TrimSpace(fields[2]),
			HostPort: parseHostPort(fields[3]),
		})
	}

	return summaries, nil
}

// parseHostPort extracts the host port from a docker ps ports field,
// e.g. "0.0.0.0:8001->8000/tcp, :::8001->8000/tcp".
func parseHostPort(ports string) int {
	if arrow := strings.Index(ports, "->"); arrow >= 0 {
		colon := strings.LastIndex(ports[:arrow], ":")
		if colon >= 0 {
			if p, err := strconv.Atoi(ports[colon+1 : arrow]); err == nil {
				return p
			}
		}
	}
	if colon := strings.Index(ports, ":"); colon >= 0 {
		rest := ports[colon+1:]
		end := strings.IndexAny(rest, "/->, ")
		if end < 0 {
			end = len(rest)
		}
		if p, err := strconv.Atoi(rest[:end]); err == nil {
			return p
		}
	}
	return InferencePort
}

func (r *CLIRuntime) Inspect(ctx context.Context, id string) (State, error) {
	inspectCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	out, _, err := r.run(inspectCtx, "inspect", "--format", "{{.State.Running}}|{{.State.ExitCode}}|{{.State.Pid}}", id)
	if err != nil {
		return State{}, err
	}

	fields := strings.SplitN(strings.TrimSpace(out), "|", 3)
	if len(fields) != 3 {
		return State{}, fmt.Errorf("%w: inspect returned %q", ErrUnexpectedOutput, strings.TrimSpace(out))
	}

	exitCode, _ := strconv.Atoi(fields[1])
	pid, _ := strconv.Atoi(fields[2])
	return State{
		Running:  fields[0] == "true",
		ExitCode: exitCode,
		PID:      pid,
	}, nil
}

func (r *CLIRuntime) Start(ctx context.Context, spec StartSpec) (string, string, error) {
	cacheDir := spec.CacheDir
	if cacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, ".cache", "huggingface")
		}
	}

	args := []string{
		"run", "-d",
		"--runtime", "nvidia",
		"--gpus", "all",
		"-p", fmt.Sprintf("0.0.0.0:%d:%d", spec.HostPort, InferencePort),
		"--env", "HF_TOKEN=" + spec.Token,
		"--ipc=host",
		"--name", spec.Name,
	}
	if cacheDir != "" {
		args = append(args, "-v", cacheDir+":/root/.cache/huggingface")
	}
	if spec.HostConfigPath != "" {
		args = append(args, "-v", spec.HostConfigPath+":/tmp/config.yaml:ro")
	}
	args = append(args, spec.Image,
		"--model", spec.ModelID,
		"--config", "/tmp/config.yaml",
		"--host", "0.0.0.0",
		"--trust-remote-code",
	)
	if spec.TensorParallel > 1 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(spec.TensorParallel))
	}

	out, errOut, runErr := r.run(ctx, args...)

	id := extractContainerID(out)
	if id == "" {
		// Fall back to resolving the id by name; docker occasionally
		// exits non-zero after the container was in fact created
		if found, err := r.findByName(ctx, spec.Name); err == nil && found != "" {
			if runErr != nil {
				r.logger.Warn("docker run returned an error but the container exists", "name", spec.Name, "id", found)
			}
			return found, errOut, nil
		}
		if runErr != nil {
			return "", errOut, runErr
		}
		return "", errOut, fmt.Errorf("%w: no container id in docker run output", ErrUnexpectedOutput)
	}

	return id, errOut, nil
}

// extractContainerID scans docker run output for the first line of at
// least 12 hex characters that is not an error line, returning its
// 12-character short form.
func extractContainerID(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" ||
			strings.Contains(line, "Error") ||
			strings.Contains(line, "error") ||
			strings.Contains(line, "Unable") ||
			strings.Contains(line, "::") ||
			strings.Contains(line, "sh:") {
			continue
		}
		if len(line) >= 12 && isHex(line) {
			return line[:12]
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func (r *CLIRuntime) findByName(ctx context.Context, name string) (string, error) {
	findCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	out, _, err := r.run(findCtx, "ps", "-a", "--filter", "name="+name, "--format", "{{.ID}}")
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if i := strings.IndexByte(id, '\n'); i >= 0 {
		id = id[:i]
	}
	if len(id) < 12 {
		return "", nil
	}
	return id[:12], nil
}

func (r *CLIRuntime) Stop(ctx context.Context, name string) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	_, _, err := r.run(stopCtx, "stop", name)
	return err
}

func (r *CLIRuntime) Remove(ctx context.Context, name string) error {
	rmCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	_, _, err := r.run(rmCtx, "rm", name)
	return err
}

func (r *CLIRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	logsCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	out, errOut, err := r.run(logsCtx, "logs", "--tail", strconv.Itoa(tail), id)
	if err != nil {
		return "", err
	}
	// docker logs writes the container's streams to both fds
	return out + errOut, nil
}

func (r *CLIRuntime) EnsureImage(ctx context.Context, tag string) error {
	checkCtx, cancel := context.WithTimeout(ctx, listTimeout)
	out, _, err := r.run(checkCtx, "images", "-q", tag)
	cancel()
	if err == nil && strings.TrimSpace(out) != "" {
		return nil
	}

	r.logger.Info("image not found locally, pulling from registry", "image", tag)
	if _, _, err := r.run(ctx, "pull", tag); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", tag, err)
	}
	r.logger.Info("image pulled successfully", "image", tag)
	return nil
}

// Compile-time interface check
var _ Runtime = (*CLIRuntime)(nil)
