// Package agentcli invokes the external agent binary as a supervised
// subprocess. It owns only process mechanics: argument handling, the
// time budget, output capture and secret redaction. Scope checking
// lives in the application layer.
package agentcli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Runner executes the agent binary with a hard time budget
type Runner struct {
	Bin     string
	Timeout time.Duration
}

// Result captures one agent invocation
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

const maxCaptureBytes = 2400

var shellMetaPattern = regexp.MustCompile("[|&;<>()$`]")

// secretPatterns match credential-looking substrings that must never
// reach the audit report or the log
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)\b\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)\b(authorization:\s*bearer)\s+\S+`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}\b`),
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{10,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bASIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bhf_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`),
}

// Redact masks credential-looking substrings
func Redact(text string) string {
	for _, pattern := range secretPatterns {
		text = pattern.ReplaceAllString(text, "<redacted>")
	}
	return text
}

// ParseCommand splits an operator-configured command string into argv.
// Shell metacharacters are rejected because the command is executed
// directly, never through a shell.
func ParseCommand(command string) ([]string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	if shellMetaPattern.MatchString(trimmed) {
		return nil, fmt.Errorf("agent command must not use shell syntax: %q", Redact(trimmed))
	}
	return strings.Fields(trimmed), nil
}

// ResolveInvocation merges the two ways a policy can name the agent:
// a bin/args pair, or a single command string that overrides both.
// The command string goes through ParseCommand so shell syntax is a
// configuration error, never something handed to a shell.
func ResolveInvocation(bin string, args []string, command string) (string, []string, error) {
	if command == "" {
		return bin, args, nil
	}
	argv, err := ParseCommand(command)
	if err != nil {
		return "", nil, err
	}
	return argv[0], argv[1:], nil
}

// Run executes the agent with extra environment variables, bounded by
// the runner's timeout. A timeout is reported on the result, not as an
// error, so the caller can treat it as a retryable failure.
func (r Runner) Run(ctx context.Context, args []string, extraEnv map[string]string, dir string) (*Result, error) {
	cctx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, r.Bin, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for key, value := range extraEnv {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Args:     append([]string{r.Bin}, args...),
		Stdout:   capTail(stdout.String()),
		Stderr:   capTail(stderr.String()),
		Duration: duration,
		TimedOut: cctx.Err() == context.DeadlineExceeded,
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if result.TimedOut {
			result.ExitCode = -1
			return result, nil
		}
		return nil, fmt.Errorf("agent execution failed: %w", err)
	}
	return result, nil
}

// capTail keeps the last maxCaptureBytes of output so the audit report
// stays bounded even when the agent is chatty
func capTail(text string) string {
	if len(text) <= maxCaptureBytes {
		return text
	}
	return "..." + text[len(text)-maxCaptureBytes:]
}
