package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// exitTempFail is sysexits EX_TEMPFAIL; backends use it to ask for a retry.
const exitTempFail = 75

// StdioProvider runs an external backend process. The request is written to
// stdin as JSON and the change document is read from stdout.
type StdioProvider struct {
	descriptor
	Command string
	Args    []string
	// Env is the complete environment of the child. The parent environment
	// is not inherited.
	Env []string

	lookPath func(string) (string, error)
}

// NewStdioProvider creates a provider for command.
func NewStdioProvider(info Info, command string, args, env []string) *StdioProvider {
	return &StdioProvider{
		descriptor: descriptor{info: info},
		Command:    command,
		Args:       args,
		Env:        env,
		lookPath:   exec.LookPath,
	}
}

// IsAvailable reports whether the command resolves on PATH.
func (p *StdioProvider) IsAvailable() bool {
	_, err := p.lookPath(p.Command)
	return err == nil
}

// Invoke implements Provider.
func (p *StdioProvider) Invoke(ctx context.Context, req Request) (*contracts.GeneratedChange, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, p.providerError(false, fmt.Errorf("marshal request: %w", err))
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Env = p.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, p.providerError(true, fmt.Errorf("backend interrupted: %w", ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, p.providerError(exitErr.ExitCode() == exitTempFail,
				fmt.Errorf("backend exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String(), 512)))
		}
		return nil, p.providerError(false, fmt.Errorf("start backend: %w", err))
	}

	change, err := ParseChange(stdout.Bytes())
	if err != nil {
		return nil, p.providerError(false, err)
	}
	return change, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
