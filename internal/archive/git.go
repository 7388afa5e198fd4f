package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitDestination commits each chunk as its own file under dir in a local
// clone and pushes branch to origin.
type GitDestination struct {
	repo   string
	dir    string
	branch string
}

// NewGitDestination returns a destination for the existing clone at repo.
func NewGitDestination(repo, dir, branch string) *GitDestination {
	return &GitDestination{repo: repo, dir: dir, branch: branch}
}

func (d *GitDestination) Write(ctx context.Context, name string, data []byte) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("git archive: invalid chunk name %q", name)
	}
	rel := filepath.Join(d.dir, name)
	abs := filepath.Join(d.repo, rel)

	if _, err := d.git(ctx, "checkout", d.branch); err != nil {
		return err
	}
	// Fails harmlessly before the first push creates the remote branch.
	_, _ = d.git(ctx, "pull", "--ff-only", "origin", d.branch)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("git archive: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("git archive: %w", err)
	}
	if _, err := d.git(ctx, "add", "--", rel); err != nil {
		return err
	}
	staged, err := d.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if staged == "" {
		return nil // chunk already committed with the same content
	}
	if _, err := d.git(ctx, "commit", "-m", "archive: "+name); err != nil {
		return err
	}
	_, err = d.git(ctx, "push", "origin", d.branch)
	return err
}

// git runs one git command in the clone and returns its trimmed stdout.
// Failures carry the command's stderr.
func (d *GitDestination) git(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.repo
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
