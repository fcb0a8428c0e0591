// Package publisher pushes newly written fragments to the shared
// repository. Publication is best-effort by design: the cache tree is the
// durable source of truth, so every failure here is reported to the caller
// as an error to log and move past — files already on disk are picked up by
// a later successful publish.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"
)

// Publisher commits and pushes fragment files from one repository.
type Publisher struct {
	repoPath string
	remote   string
	name     string
	email    string
	log      *zap.SugaredLogger
}

// New builds a Publisher for the repository at repoPath, committing under
// the given author identity.
func New(repoPath, remote, name, email string, log *zap.SugaredLogger) *Publisher {
	if remote == "" {
		remote = "origin"
	}
	return &Publisher{
		repoPath: repoPath,
		remote:   remote,
		name:     name,
		email:    email,
		log:      log,
	}
}

// Publish stages the given paths (all pending changes when paths is empty),
// commits if and only if the staged diff is non-empty, pulls, and pushes.
// Pull failures are warnings: a conflicting or unreachable remote must not
// lose the local commit, which the next run pushes again. A push failure is
// returned for the caller to log as a warning.
func (p *Publisher) Publish(ctx context.Context, paths []string, message string) error {
	repo, err := git.PlainOpen(p.repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository %s: %w", p.repoPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := p.stage(wt, paths); err != nil {
		return err
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		p.log.Debugw("nothing to publish")
		return nil
	}

	sig := &object.Signature{Name: p.name, Email: p.email, When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	p.log.Infow("committed", "hash", hash.String(), "message", message)

	if err := wt.PullContext(ctx, &git.PullOptions{RemoteName: p.remote}); err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) &&
		!errors.Is(err, transport.ErrEmptyRemoteRepository) {
		// Never fatal: the local commit is safe and pushes later.
		p.log.Warnw("pull before push failed", "remote", p.remote, "error", err)
	}

	if err := repo.PushContext(ctx, &git.PushOptions{RemoteName: p.remote}); err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push to %s: %w", p.remote, err)
	}

	p.log.Infow("published", "paths", len(paths))
	return nil
}

// stage adds the given paths, converting absolute paths into
// repository-relative ones. Empty paths stages everything.
func (p *Publisher) stage(wt *git.Worktree, paths []string) error {
	if len(paths) == 0 {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return fmt.Errorf("failed to stage all changes: %w", err)
		}
		return nil
	}

	root, err := filepath.Abs(p.repoPath)
	if err != nil {
		return fmt.Errorf("failed to resolve repository path: %w", err)
	}
	for _, path := range paths {
		rel := path
		if filepath.IsAbs(path) {
			rel, err = filepath.Rel(root, path)
			if err != nil {
				return fmt.Errorf("path %s is outside the repository: %w", path, err)
			}
		}
		if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("failed to stage %s: %w", rel, err)
		}
	}
	return nil
}
