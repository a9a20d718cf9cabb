// Package provider normalizes third-party provider CLIs into the IPC
// event schema. An Adapter is the minimal contract every provider
// satisfies; CLIAdapter additionally offers version gating and a
// one-shot RunSimpleTask escape hatch for providers that are invoked
// rather than driven as a long-lived session.
package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/alicia-run/alicia/internal/ipc"
)

// Capabilities reports what a provider supports beyond the baseline
// event normalization contract.
type Capabilities struct {
	SupportsPatchPreview   bool
	SupportsNetworkActions bool
}

// Adapter is the minimal contract every provider CLI satisfies.
type Adapter interface {
	ProviderName() string
	Capabilities() Capabilities
	NormalizeEvent(msg ipc.IpcMessage) (ipc.IpcMessage, error)
}

// UnsupportedEventError is returned by NormalizeEvent when a provider
// cannot make sense of a particular event kind.
type UnsupportedEventError struct {
	Provider  string
	EventType ipc.EventType
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event %q for provider %q", e.EventType, e.Provider)
}

func (e *UnsupportedEventError) BeginnerMessage() string {
	return fmt.Sprintf("The %q provider does not understand a %q event. Next step: check the provider's supported feature set.", e.Provider, e.EventType)
}

// UnsupportedProviderVersionError is returned when a probed CLI version
// is below the configured minimum.
type UnsupportedProviderVersionError struct {
	Provider string
	Version  string
	Minimum  string
}

func (e *UnsupportedProviderVersionError) Error() string {
	return fmt.Sprintf("provider %q returned unsupported version %q (minimum %q)", e.Provider, e.Version, e.Minimum)
}

func (e *UnsupportedProviderVersionError) BeginnerMessage() string {
	return fmt.Sprintf("%q version %s is older than the required minimum %s. Next step: upgrade the provider CLI.", e.Provider, e.Version, e.Minimum)
}

// CommandFailedError wraps a failure running the provider's executable.
type CommandFailedError struct {
	Provider string
	Message  string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("provider %q command failed: %s", e.Provider, e.Message)
}

func (e *CommandFailedError) BeginnerMessage() string {
	return fmt.Sprintf("Running the %q provider failed: %s. Next step: confirm the executable path and that it runs standalone.", e.Provider, e.Message)
}

// Loopback is the mandatory test adapter: it claims full capability and
// echoes every message unchanged.
type Loopback struct{}

func (Loopback) ProviderName() string { return "loopback" }

func (Loopback) Capabilities() Capabilities {
	return Capabilities{SupportsPatchPreview: true, SupportsNetworkActions: true}
}

func (Loopback) NormalizeEvent(msg ipc.IpcMessage) (ipc.IpcMessage, error) {
	return msg, nil
}

// CLIAdapter drives an external provider executable. Two canonical
// constructors (CodexCLI, ClaudeCode) exist only to stamp ProviderName;
// behavior is otherwise identical.
type CLIAdapter struct {
	executable     string
	providerName   string
	minimumVersion string
	capabilities   Capabilities
}

// NewCLIAdapter constructs a generic CLI-backed adapter.
func NewCLIAdapter(providerName, executable string) *CLIAdapter {
	return &CLIAdapter{
		executable:     executable,
		providerName:   providerName,
		minimumVersion: "0.0.0",
		capabilities:   Capabilities{SupportsPatchPreview: true, SupportsNetworkActions: true},
	}
}

// CodexCLI constructs the canonical adapter for a codex-style provider.
func CodexCLI(executable string) *CLIAdapter { return NewCLIAdapter("codex-cli", executable) }

// ClaudeCode constructs the canonical adapter for a claude-code-style
// provider.
func ClaudeCode(executable string) *CLIAdapter { return NewCLIAdapter("claude-code", executable) }

// WithMinimumVersion sets the minimum accepted semver (dotted major.minor.patch).
func (a *CLIAdapter) WithMinimumVersion(version string) *CLIAdapter {
	a.minimumVersion = version
	return a
}

func (a *CLIAdapter) ProviderName() string { return a.providerName }

func (a *CLIAdapter) Capabilities() Capabilities { return a.capabilities }

func (a *CLIAdapter) NormalizeEvent(msg ipc.IpcMessage) (ipc.IpcMessage, error) {
	return msg, nil
}

// ProbeVersion runs the CLI's --version-equivalent flag, parses the
// first semver-looking token from combined stdout+stderr, and rejects
// anything below the configured minimum.
func (a *CLIAdapter) ProbeVersion(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, a.executable, "--version")
	stdout, err := cmd.Output()
	var stderr []byte
	if exitErr, ok := err.(*exec.ExitError); ok {
		stderr = exitErr.Stderr
	}
	combined := string(stdout)
	if len(stderr) > 0 {
		combined += "\n" + string(stderr)
	}

	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", &CommandFailedError{Provider: a.providerName, Message: err.Error()}
		}
		return "", &CommandFailedError{Provider: a.providerName, Message: combined}
	}

	version, ok := parseVersionFromOutput(combined)
	if !ok {
		return "", &CommandFailedError{Provider: a.providerName, Message: fmt.Sprintf("could not parse provider version from output: %s", combined)}
	}

	if compareSemver(version, a.minimumVersion) < 0 {
		return "", &UnsupportedProviderVersionError{Provider: a.providerName, Version: version, Minimum: a.minimumVersion}
	}

	return version, nil
}

// RunSimpleTask is the escape hatch for one-shot provider invocations.
// It probes the version first, then runs the CLI to completion,
// synthesizing CommandStarted/CommandOutputChunk/CommandFinished events
// from the resulting exit status and captured output.
func (a *CLIAdapter) RunSimpleTask(ctx context.Context, sessionID string, args []string, cwd string) ([]ipc.IpcMessage, error) {
	if _, err := a.ProbeVersion(ctx); err != nil {
		return nil, err
	}

	startedAt := time.Now()
	command := append([]string{a.executable}, args...)
	messages := []ipc.IpcMessage{
		ipc.New(ipc.NewCommandStarted(ipc.CommandStarted{CommandID: sessionID, Command: command, Cwd: cwd})),
	}

	cmd := exec.CommandContext(ctx, a.executable, args...)
	cmd.Dir = cwd
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if stdout.Len() > 0 {
		messages = append(messages, ipc.New(ipc.NewCommandOutputChunk(ipc.CommandOutputChunk{
			CommandID: sessionID, Stream: ipc.StreamStdout, Chunk: stdout.String(),
		})))
	}
	if stderr.Len() > 0 {
		messages = append(messages, ipc.New(ipc.NewCommandOutputChunk(ipc.CommandOutputChunk{
			CommandID: sessionID, Stream: ipc.StreamStderr, Chunk: stderr.String(),
		})))
	}

	exitCode := int32(0)
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = int32(exitErr.ExitCode())
		} else {
			return nil, &CommandFailedError{Provider: a.providerName, Message: runErr.Error()}
		}
	}

	messages = append(messages, ipc.New(ipc.NewCommandFinished(ipc.CommandFinished{
		CommandID: sessionID, ExitCode: exitCode, DurationMs: uint64(time.Since(startedAt).Milliseconds()),
	})))

	return messages, nil
}

// parseVersionFromOutput finds the first whitespace-delimited token that
// looks like a semver (optionally "v"-prefixed) and returns it with the
// prefix stripped.
func parseVersionFromOutput(output string) (string, bool) {
	for _, raw := range strings.Fields(output) {
		token := strings.Trim(raw, ",;:()[]{}\"'")
		token = strings.TrimPrefix(token, "v")
		if looksLikeSemver(token) {
			return token, true
		}
	}
	return "", false
}

func looksLikeSemver(token string) bool {
	parts := strings.SplitN(token, "-", 2)
	numeric := strings.Split(parts[0], ".")
	if len(numeric) < 2 || len(numeric) > 3 {
		return false
	}
	for _, part := range numeric {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// compareSemver compares two dotted version strings component-wise,
// treating a missing trailing component as 0. Returns -1, 0, or 1.
func compareSemver(a, b string) int {
	aParts := strings.SplitN(a, "-", 2)
	bParts := strings.SplitN(b, "-", 2)
	av := strings.Split(aParts[0], ".")
	bv := strings.Split(bParts[0], ".")
	for i := 0; i < 3; i++ {
		an, bn := 0, 0
		if i < len(av) {
			an = atoiSafe(av[i])
		}
		if i < len(bv) {
			bn = atoiSafe(bv[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
