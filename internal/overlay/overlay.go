// Package overlay loads the workspace-local policy override file,
// <workspace>/.codex/alicia-policy.toml. A missing file is
// not an error; it simply means the caller's fallback profile applies.
// An unsupported schema version or an unknown TOML key is.
package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/alicia-run/alicia/internal/policy"
)

// RelativePath is the well-known location of the overlay file within a
// workspace.
const RelativePath = ".codex/alicia-policy.toml"

// SchemaVersion is the only schema version this core accepts.
const SchemaVersion = 1

// Config is the decoded overlay file content.
type Config struct {
	SchemaVersion     uint32                   `toml:"schema_version"`
	PermissionProfile policy.PermissionProfile `toml:"permission_profile"`
	Rules             []Rule                   `toml:"rule"`
}

// Rule is an optional, additive CEL-based policy extension: if Condition
// evaluates true against the action context, Effect is folded (via
// policy.Combine) into the base profile decision. A rule can only tighten
// a decision (move it towards Deny), never loosen one: Combine is
// monotonic in that direction, so an Allow rule has no effect on a
// ReadOnly-derived Deny.
type Rule struct {
	Name      string          `toml:"name"`
	Condition string          `toml:"condition"`
	Effect    policy.Decision `toml:"effect"`
}

// FilePath returns the absolute path to the overlay file for a workspace.
func FilePath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, RelativePath)
}

// UnsupportedSchemaVersionError is returned when the overlay file declares
// a schema_version other than SchemaVersion.
type UnsupportedSchemaVersionError struct {
	Path     string
	Expected uint32
	Found    uint32
}

func (e *UnsupportedSchemaVersionError) Error() string {
	return fmt.Sprintf("overlay file %q declares schema_version %d, this core supports %d", e.Path, e.Found, e.Expected)
}

func (e *UnsupportedSchemaVersionError) BeginnerMessage() string {
	return fmt.Sprintf("The policy file %q was written for a different version of this tool. Next step: update schema_version to %d or regenerate the file.", e.Path, e.Expected)
}

// ParseFailedError wraps a TOML decode failure, including the offending
// file path in the message.
type ParseFailedError struct {
	Path string
	Err  error
}

func (e *ParseFailedError) Error() string {
	return fmt.Sprintf("failed to parse overlay file %q: %v", e.Path, e.Err)
}

func (e *ParseFailedError) Unwrap() error { return e.Err }

func (e *ParseFailedError) BeginnerMessage() string {
	return fmt.Sprintf("The policy file %q could not be read. Next step: check it for typos or unsupported keys.", e.Path)
}

// ReadFailedError wraps a non-NotFound filesystem error encountered while
// opening the overlay file.
type ReadFailedError struct {
	Path string
	Err  error
}

func (e *ReadFailedError) Error() string {
	return fmt.Sprintf("failed to read overlay file %q: %v", e.Path, e.Err)
}

func (e *ReadFailedError) Unwrap() error { return e.Err }

func (e *ReadFailedError) BeginnerMessage() string {
	return fmt.Sprintf("The policy file %q could not be opened. Next step: check file permissions.", e.Path)
}

// Load reads and strictly decodes the overlay file for workspaceRoot. A
// missing file returns (nil, nil): the caller's fallback profile applies.
func Load(workspaceRoot string) (*Config, error) {
	path := FilePath(workspaceRoot)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &ReadFailedError{Path: path, Err: err}
	}

	var cfg Config
	cfg.SchemaVersion = SchemaVersion // default when the field is omitted
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, &ParseFailedError{Path: path, Err: err}
	}

	if cfg.SchemaVersion != SchemaVersion {
		return nil, &UnsupportedSchemaVersionError{Path: path, Expected: SchemaVersion, Found: cfg.SchemaVersion}
	}

	return &cfg, nil
}

// ResolveEffectiveProfile returns the overlay's permission_profile if
// present, else fallback. It never fails for a missing file; parse/schema
// errors from Load still propagate.
func ResolveEffectiveProfile(workspaceRoot string, fallback policy.PermissionProfile) (policy.PermissionProfile, error) {
	cfg, err := Load(workspaceRoot)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return fallback, nil
	}
	return cfg.PermissionProfile, nil
}
