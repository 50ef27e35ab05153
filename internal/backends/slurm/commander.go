package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/jetrun/internal/backends"
	"github.com/3cpo-dev/jetrun/internal/ssh"
)

// Commander runs scheduler commands where the scheduler lives. A command that
// ran and exited nonzero is reported in the result, not as an error. Errors
// mean the command could not be run, and wrap backends.ErrUnavailable when
// the scheduler cannot be reached at all.
type Commander interface {
	Run(ctx context.Context, argv []string, stdin []byte) (backends.CommandResult, error)
	// Stage makes a local file visible to the scheduler and returns the path
	// the scheduler should use.
	Stage(ctx context.Context, localPath string) (string, error)
}

// ExecCommander runs scheduler commands on this host.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, argv []string, stdin []byte) (backends.CommandResult, error) {
	res := backends.CommandResult{Argv: argv}
	if len(argv) == 0 {
		return res, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	log.Trace().Strs("argv", argv).Msg("Running scheduler command")
	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %s: %w", backends.ErrUnavailable, argv[0], err)
	}
	return res, nil
}

// Stage is a no-op; the scheduler reads the script where it was written.
func (ExecCommander) Stage(ctx context.Context, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// SSHCommander runs scheduler commands on a remote login node and stages
// scripts there over SFTP.
type SSHCommander struct {
	Client *ssh.Client
	// RemoteDir receives staged scripts.
	RemoteDir string
}

func (c *SSHCommander) Run(ctx context.Context, argv []string, stdin []byte) (backends.CommandResult, error) {
	res := backends.CommandResult{Argv: argv}
	stdout, stderr, code, err := c.Client.RunCommand(ctx, shellJoin(argv), stdin)
	res.Stdout, res.Stderr, res.ExitCode = stdout, stderr, code
	if err != nil {
		if errors.Is(err, ssh.ErrUnreachable) {
			return res, fmt.Errorf("%w: %w", backends.ErrUnavailable, err)
		}
		return res, err
	}
	return res, nil
}

func (c *SSHCommander) Stage(ctx context.Context, localPath string) (string, error) {
	dir := c.RemoteDir
	if dir == "" {
		dir = "jetrun/scripts"
	}
	remote := path.Join(dir, filepath.Base(localPath))
	if err := c.Client.Push(ctx, localPath, remote); err != nil {
		if errors.Is(err, ssh.ErrUnreachable) {
			return "", fmt.Errorf("%w: stage %s: %w", backends.ErrUnavailable, localPath, err)
		}
		return "", fmt.Errorf("stage %s: %w", localPath, err)
	}
	return remote, nil
}

func (c *SSHCommander) Close() error { return c.Client.Close() }

// shellJoin quotes argv for a POSIX shell.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,%@+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
