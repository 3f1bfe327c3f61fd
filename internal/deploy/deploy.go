package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/appdeployd/internal/appdir"
	"github.com/schaermu/appdeployd/internal/config"
	"github.com/schaermu/appdeployd/internal/git"
	"github.com/schaermu/appdeployd/internal/notify"
)

// Engine orchestrates a deploy run
type Engine struct {
	cfg      *config.Config
	git      git.Client
	notifier notify.Notifier
	logger   *slog.Logger
	dryRun   bool
}

// Result summarizes what a deploy run did
type Result struct {
	Commit       string
	FilesCopied  int
	FilesRemoved int
}

// NewEngine creates a new deploy engine
func NewEngine(cfg *config.Config, gitClient git.Client, notifier notify.Notifier, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		git:      gitClient,
		notifier: notifier,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Run executes the complete deploy sequence: resolve the source tree,
// ensure the destination apps directory exists, remove stale scripts,
// copy the apps tree, copy appdaemon.yaml. The sequence is linear and
// fail-fast; a failure part-way leaves the destination partially
// updated.
func (e *Engine) Run(ctx context.Context) error {
	result := Result{}

	// Resolve source tree, checking out the git repo if one is configured
	if e.cfg.UsesGit() {
		e.logger.Info("fetching repository", "url", e.cfg.Repo.URL, "ref", e.cfg.Repo.Ref)
		commit, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Ref, e.cfg.RepoDir())
		if err != nil {
			return fmt.Errorf("failed to checkout repository: %w", err)
		}
		e.logger.Info("repository checked out", "commit", commit)
		result.Commit = commit
	}

	sourceRoot := e.cfg.SourceRoot()
	destRoot := e.cfg.Paths.DestDir

	e.logger.Info("deploying from", "source", sourceRoot, "dry_run", e.dryRun)
	e.logger.Info("deploying to", "dest", destRoot)

	// Ensure destination apps directory exists
	if !e.dryRun {
		if err := os.MkdirAll(e.cfg.AppsDestDir(), 0755); err != nil {
			return fmt.Errorf("failed to create apps directory: %w", err)
		}
	}

	// Remove previously deployed scripts
	removed, err := e.cleanStaleScripts(e.cfg.AppsDestDir())
	if err != nil {
		return fmt.Errorf("failed to clean stale scripts: %w", err)
	}
	result.FilesRemoved = removed

	// Copy the apps tree
	copied, err := e.copyTree(filepath.Join(sourceRoot, appdir.AppsDirName), e.cfg.AppsDestDir())
	if err != nil {
		return fmt.Errorf("failed to copy apps: %w", err)
	}
	result.FilesCopied = copied

	// Copy the add-on configuration file
	if err := e.copyEntry(e.cfg.ConfigSourcePath(), e.cfg.ConfigDestPath()); err != nil {
		return fmt.Errorf("failed to copy %s: %w", appdir.ConfigFileName, err)
	}
	result.FilesCopied++

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied",
			"would_copy", result.FilesCopied,
			"would_remove", result.FilesRemoved)
		return nil
	}

	e.logger.Info("deploy completed successfully",
		"copied", result.FilesCopied,
		"removed", result.FilesRemoved)
	e.logger.Info("restart the AppDaemon add-on to load the deployed apps")

	// Announce the deploy. The files are already in place, so a failed
	// announcement is logged but does not fail the run.
	event := notify.Event{
		Source:       sourceRoot,
		Dest:         destRoot,
		Commit:       result.Commit,
		FilesCopied:  result.FilesCopied,
		FilesRemoved: result.FilesRemoved,
		CompletedAt:  time.Now().UTC(),
	}
	if err := e.notifier.DeployCompleted(ctx, event); err != nil {
		e.logger.Warn("failed to announce deploy", "error", err)
	}

	return nil
}

// cleanStaleScripts removes regular files with a script extension from
// the immediate children of dir. Subdirectories, symlinks, and files
// with other extensions (the manifest in particular) are left alone.
func (e *Engine) cleanStaleScripts(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// In dry-run mode the destination may not exist yet.
		if e.dryRun && os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !appdir.IsScriptFile(entry.Name(), e.cfg.Deploy.ScriptExtensions) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if e.dryRun {
			e.logger.Info("[dry-run] would remove stale script", "path", path)
			removed++
			continue
		}

		e.logger.Info("removing stale script", "path", path)
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// copyTree copies every entry inside src into dst recursively,
// preserving permissions and modification times and recreating
// symlinks. Same-named destination entries are overwritten. Hidden
// entries (e.g. .git) are skipped. Returns the number of files and
// symlinks copied.
func (e *Engine) copyTree(src, dst string) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, entry := range entries {
		if appdir.IsHidden(entry.Name()) {
			continue
		}

		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		switch {
		case entry.IsDir():
			info, err := entry.Info()
			if err != nil {
				return copied, err
			}
			if !e.dryRun {
				if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
					return copied, err
				}
			}
			n, err := e.copyTree(srcPath, dstPath)
			copied += n
			if err != nil {
				return copied, err
			}
			if !e.dryRun {
				// Restore the directory mtime after populating it.
				if err := os.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
					return copied, err
				}
			}

		case entry.Type()&os.ModeSymlink != 0:
			if e.dryRun {
				e.logger.Info("[dry-run] would copy symlink", "dest", dstPath)
				copied++
				continue
			}
			if err := copySymlink(srcPath, dstPath); err != nil {
				return copied, err
			}
			copied++

		default:
			if err := e.copyEntry(srcPath, dstPath); err != nil {
				return copied, err
			}
			copied++
		}
	}

	return copied, nil
}

// copyEntry copies a single regular file from src to dst, preserving
// permissions and modification time. The content is written to a temp
// file in the destination directory and renamed into place, so readers
// never observe a half-written file.
func (e *Engine) copyEntry(src, dst string) error {
	if e.dryRun {
		if _, err := os.Stat(src); err != nil {
			return err
		}
		e.logger.Info("[dry-run] would copy file", "dest", dst)
		return nil
	}

	e.logger.Debug("copying file", "dest", dst)

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".appdeployd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}

	return os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}

// copySymlink recreates the symlink src at dst, replacing any existing
// entry at dst.
func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(target, dst)
}
