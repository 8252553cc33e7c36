// Package gitcli runs git as a subprocess with bounded timeouts and
// non-interactive authentication. Credentials are never written into the
// remote URL; a credential helper script is installed per working copy.
package gitcli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Command timeouts. Clone and fetch move data; log and show are short.
const (
	CloneTimeout = 10 * time.Minute
	FetchTimeout = 5 * time.Minute
	ShortTimeout = 30 * time.Second
)

// credentialHelperName is the helper script written under .git.
const credentialHelperName = "credential-helper.sh"

// allowedProtocols defines the git URL protocols that are permitted.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// ValidateURL validates that a git URL uses an allowed protocol.
func ValidateURL(rawURL string) error {
	// Handle SSH shorthand (git@github.com:owner/repo.git)
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// StripCredentials removes any userinfo from a remote URL.
func StripCredentials(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.User == nil {
		return rawURL
	}
	parsed.User = nil
	return parsed.String()
}

// Runner executes git commands in a working copy.
type Runner struct {
	workDir string
}

// NewRunner creates a runner rooted at the given working copy.
func NewRunner(workDir string) *Runner {
	return &Runner{workDir: workDir}
}

// WorkDir returns the working copy root.
func (r *Runner) WorkDir() string { return r.workDir }

// Run executes one git command with the given timeout and returns combined
// output. GIT_TERMINAL_PROMPT=0 guarantees the subprocess never blocks on an
// interactive credential prompt.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Clone clones url into dest with the given depth.
func Clone(ctx context.Context, rawURL, dest string, depth int) (string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}

	args := []string{"clone"}
	if depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", depth))
	}
	args = append(args, rawURL, dest)

	return (&Runner{}).Run(ctx, CloneTimeout, args...)
}

// Fetch updates all remotes and prunes stale refs.
func (r *Runner) Fetch(ctx context.Context) (string, error) {
	return r.Run(ctx, FetchTimeout, "fetch", "--all", "--prune")
}

// HeadCommit returns the commit hash of HEAD.
func (r *Runner) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, ShortTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DefaultBranch detects the default branch via the origin HEAD ref, falling
// back to main and then master.
func (r *Runner) DefaultBranch(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, ShortTimeout, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if name := strings.TrimPrefix(ref, "refs/remotes/origin/"); name != ref {
			return name, nil
		}
	}

	for _, fallback := range []string{"main", "master"} {
		if _, err := r.Run(ctx, ShortTimeout, "rev-parse", "--verify", "refs/remotes/origin/"+fallback); err == nil {
			return fallback, nil
		}
	}
	return "", fmt.Errorf("default branch not found")
}

// SetRemote replaces the origin URL, stripping embedded credentials first.
func (r *Runner) SetRemote(ctx context.Context, rawURL string) error {
	_, err := r.Run(ctx, ShortTimeout, "remote", "set-url", "origin", StripCredentials(rawURL))
	return err
}

// InstallCredentialHelper writes a credential helper script under .git and
// configures the working copy to use it. The script echoes the username and
// password for every credential request, so later fetches stay
// non-interactive. Mode 0700: the secret must not be world readable.
func (r *Runner) InstallCredentialHelper(ctx context.Context, username, secret string) error {
	script := fmt.Sprintf("#!/bin/sh\necho username=%s\necho password=%s\n", username, secret)
	helperPath := filepath.Join(r.workDir, ".git", credentialHelperName)

	if err := os.WriteFile(helperPath, []byte(script), 0o700); err != nil {
		return fmt.Errorf("write credential helper: %w", err)
	}

	_, err := r.Run(ctx, ShortTimeout, "config", "credential.helper", helperPath)
	if err != nil {
		return fmt.Errorf("configure credential helper: %w", err)
	}
	return nil
}
