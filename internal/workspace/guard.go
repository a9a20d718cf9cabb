// Package workspace implements the workspace containment guard: proving
// that a candidate path, once canonicalized, lies inside a canonicalized
// workspace root. This is the only thing standing between a provider
// process and a filesystem write or read outside the sandboxed workspace,
// so it must refuse symlink escapes and path-traversal attempts alike.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// GuardResult holds the canonical forms computed while checking
// containment, so callers can substitute the canonical cwd back into
// the request they are validating.
type GuardResult struct {
	CanonicalWorkspace string
	CanonicalTarget    string
}

// OutsideWorkspaceError is returned when the canonicalized target does not
// have the canonicalized workspace as a path prefix.
type OutsideWorkspaceError struct {
	Workspace string
	Target    string
}

func (e *OutsideWorkspaceError) Error() string {
	return fmt.Sprintf("target %q resolves outside workspace %q", e.Target, e.Workspace)
}

func (e *OutsideWorkspaceError) BeginnerMessage() string {
	return fmt.Sprintf("The path %q is outside the current workspace. Next step: choose a path inside %q.", e.Target, e.Workspace)
}

// CanonicalizationError wraps an underlying filesystem error encountered
// while resolving either the workspace root or the target path.
type CanonicalizationError struct {
	Path string
	Err  error
}

func (e *CanonicalizationError) Error() string {
	return fmt.Sprintf("failed to canonicalize %q: %v", e.Path, e.Err)
}

func (e *CanonicalizationError) Unwrap() error { return e.Err }

func (e *CanonicalizationError) BeginnerMessage() string {
	return fmt.Sprintf("Could not resolve the path %q. Next step: confirm the path exists and is readable.", e.Path)
}

// EnsureTargetInWorkspace canonicalizes workspaceRoot and target, joining a
// relative target onto the workspace first, and verifies the canonical
// target has the canonical workspace as a prefix. Targets that do not yet
// exist are handled by canonicalizing the longest existing ancestor and
// re-appending the missing suffix, so the guard works for paths a provider
// is about to create (e.g. a new file to write).
func EnsureTargetInWorkspace(workspaceRoot, target string) (GuardResult, error) {
	canonicalWorkspace, err := canonicalizeExisting(workspaceRoot)
	if err != nil {
		return GuardResult{}, &CanonicalizationError{Path: workspaceRoot, Err: err}
	}

	candidate := target
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(canonicalWorkspace, candidate)
	}
	candidate = filepath.Clean(candidate)

	canonicalTarget, err := canonicalizeWithMissingSuffix(candidate)
	if err != nil {
		return GuardResult{}, &CanonicalizationError{Path: target, Err: err}
	}

	if !isWithin(canonicalWorkspace, canonicalTarget) {
		return GuardResult{}, &OutsideWorkspaceError{Workspace: canonicalWorkspace, Target: canonicalTarget}
	}

	return GuardResult{CanonicalWorkspace: canonicalWorkspace, CanonicalTarget: canonicalTarget}, nil
}

// canonicalizeExisting resolves a path that is expected to already exist
// (the workspace root itself).
func canonicalizeExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// canonicalizeWithMissingSuffix canonicalizes a path that may not exist yet
// by walking up to the longest existing ancestor, canonicalizing that
// ancestor, and re-appending the popped, not-yet-existing segments in
// order. A provider proposing to write a brand-new file must still be
// checked against the workspace boundary before the file exists.
func canonicalizeWithMissingSuffix(path string) (string, error) {
	if _, err := os.Lstat(path); err == nil {
		return canonicalizeExisting(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	var missingSegments []string
	current := path
	for {
		parent := filepath.Dir(current)
		if parent == current {
			// Reached the filesystem root without finding an existing
			// ancestor; nothing to canonicalize against.
			return "", fmt.Errorf("no existing ancestor found for %q", path)
		}
		missingSegments = append(missingSegments, filepath.Base(current))

		if _, err := os.Lstat(parent); err == nil {
			canonicalAncestor, err := canonicalizeExisting(parent)
			if err != nil {
				return "", err
			}
			result := canonicalAncestor
			for i := len(missingSegments) - 1; i >= 0; i-- {
				result = filepath.Join(result, missingSegments[i])
			}
			return result, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		current = parent
	}
}

// isWithin reports whether target is workspace itself or a descendant of
// it, using a path-separator-aware prefix check so "/ws2" is never treated
// as contained in "/ws".
func isWithin(workspace, target string) bool {
	if target == workspace {
		return true
	}
	prefix := workspace
	if len(prefix) == 0 || prefix[len(prefix)-1] != filepath.Separator {
		prefix += string(filepath.Separator)
	}
	return len(target) > len(prefix) && target[:len(prefix)] == prefix
}
