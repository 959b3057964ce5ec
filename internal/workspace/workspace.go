// Package workspace provisions isolated working copies through git
// worktrees. Each session gets its own checkout under a shared base
// directory, so agents on the same project never trample each other's
// files while sharing one object store.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const workspaceName = "worktree"

var (
	// ErrRepoNotGit is returned when the project path is not a git repository.
	ErrRepoNotGit = errors.New("project path is not a git repository")

	// ErrInvalidBaseBranch is returned when the project default branch does not exist.
	ErrInvalidBaseBranch = errors.New("default branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails.
	ErrGitCommandFailed = errors.New("git command failed")
)

// Workspace creates and removes git worktrees. Worktree mutations on the
// same repository are serialized; git locks the repo for them anyway, and
// failing fast on our side beats surfacing git's lock errors.
type Workspace struct {
	base   string
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewWorkspace creates the worktree workspace rooted at the configured base
// path. The directory is created if missing.
func NewWorkspace(cfg config.WorktreeConfig, log *logger.Logger) (*Workspace, error) {
	base, err := expandPath(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Workspace{
		base:      base,
		logger:    log.WithFields(zap.String("component", "workspace")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (w *Workspace) Name() string { return workspaceName }

// Create adds a worktree for the session on the given branch, cut from the
// project's default branch. If the branch already exists the worktree is
// attached to it instead, so a session restored after a crash keeps its
// commits. An existing healthy checkout for the session is reused as is.
func (w *Workspace) Create(ctx context.Context, project plugin.ProjectRef, sessionID, branch string) (string, error) {
	if sessionID == "" || branch == "" {
		return "", errors.New("session id and branch are required")
	}
	if !isGitRepo(project.Path) {
		return "", fmt.Errorf("%w: %s", ErrRepoNotGit, project.Path)
	}

	path := filepath.Join(w.base, project.ID, sessionID)
	if isWorktreeDir(path) {
		w.logger.Info("reusing existing worktree",
			zap.String("session_id", sessionID),
			zap.String("path", path))
		return path, nil
	}

	lock := w.repoLock(project.Path)
	lock.Lock()
	defer lock.Unlock()

	// Clear any registration left behind by an unclean shutdown before the
	// same path is added again.
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("failed to clear stale worktree dir: %w", err)
		}
	}
	w.prune(ctx, project.Path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create project worktree dir: %w", err)
	}

	var out string
	var err error
	if branchExists(ctx, project.Path, branch) {
		out, err = runGit(ctx, project.Path, "worktree", "add", path, branch)
	} else {
		if project.DefaultBranch != "" && !branchExists(ctx, project.Path, project.DefaultBranch) {
			return "", fmt.Errorf("%w: %s", ErrInvalidBaseBranch, project.DefaultBranch)
		}
		args := []string{"worktree", "add", "-b", branch, path}
		if project.DefaultBranch != "" {
			args = append(args, project.DefaultBranch)
		}
		out, err = runGit(ctx, project.Path, args...)
	}
	if err != nil {
		w.logger.Error("git worktree add failed",
			zap.String("session_id", sessionID),
			zap.String("branch", branch),
			zap.String("output", out),
			zap.Error(err))
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}

	w.logger.Info("created worktree",
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.String("path", path))
	return path, nil
}

// Destroy removes the working copy. The branch is left in place; merged
// branches feed reconciliation and unmerged ones may still hold work worth
// recovering. A path that is already gone is not an error.
func (w *Workspace) Destroy(ctx context.Context, project plugin.ProjectRef, path string) error {
	if path == "" {
		return nil
	}
	if rel, err := filepath.Rel(w.base, path); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %s is outside the worktree base", path)
	}

	lock := w.repoLock(project.Path)
	lock.Lock()
	defer lock.Unlock()

	if out, err := runGit(ctx, project.Path, "worktree", "remove", "--force", path); err != nil {
		w.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove worktree dir: %w", err)
		}
		w.prune(ctx, project.Path)
	}

	w.logger.Info("removed worktree", zap.String("path", path))
	return nil
}

func (w *Workspace) repoLock(repoPath string) *sync.Mutex {
	w.repoLockMu.Lock()
	defer w.repoLockMu.Unlock()

	if lock, ok := w.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	w.repoLocks[repoPath] = lock
	return lock
}

func (w *Workspace) prune(ctx context.Context, repoPath string) {
	if _, err := runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		w.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// isGitRepo accepts both a regular clone (.git directory) and a worktree
// checkout (.git file).
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// isWorktreeDir reports whether path holds a healthy worktree checkout.
// Worktrees carry a .git file pointing back into the parent repository.
func isWorktreeDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func expandPath(path string) (string, error) {
	if path == "" {
		path = "~/.fleet-commander/worktrees"
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
