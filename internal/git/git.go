package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	// and returns the resolved commit hash.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile string
}

// NewShellClient creates a new git client that uses the git command.
// sshKeyFile may be empty, in which case git's default credentials apply.
func NewShellClient(sshKeyFile string) *ShellClient {
	return &ShellClient{sshKeyFile: sshKeyFile}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	// Check if repo already exists
	exists := false
	if _, err := os.Stat(filepath.Join(destDir, ".git")); err == nil {
		exists = true
	}

	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		c.configureAuth(cmd, url)
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		cmd := exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "origin")
		c.configureAuth(cmd, url)
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Checkout the specified ref. Try the ref directly first (local
	// branches, tags, commit hashes), then fall back to the remote
	// tracking branch.
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", "origin/"+ref)
		if err := runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// For existing repos, the local branch may be stale after fetch.
	// Reset to the remote tracking branch to pick up new commits.
	// This is a no-op for fresh clones and silently ignored for tags/hashes.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
		_ = runCommand(resetCmd)
	}

	// Get the commit hash
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

// configureAuth sets GIT_SSH_COMMAND when an SSH key is configured and
// the URL uses an SSH scheme.
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) {
	if c.sshKeyFile == "" {
		return
	}
	if !strings.HasPrefix(url, "git@") && !strings.HasPrefix(url, "ssh://") {
		return
	}

	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	// The key path is shell-quoted to prevent injection via crafted filenames.
	sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
	cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
