package deploy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/schaermu/appdeployd/internal/config"
	"github.com/schaermu/appdeployd/internal/notify"
)

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	commitHash string
	err        error
	called     bool
	repoSetup  func(destDir string)
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, _, _, destDir string) (string, error) {
	m.called = true
	if m.repoSetup != nil {
		m.repoSetup(destDir)
	}
	return m.commitHash, m.err
}

// recordingNotifier implements notify.Notifier for testing.
type recordingNotifier struct {
	called bool
	event  notify.Event
	err    error
}

func (r *recordingNotifier) DeployCompleted(_ context.Context, event notify.Event) error {
	r.called = true
	r.event = event
	return r.err
}

func (r *recordingNotifier) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()
	return &config.Config{
		Paths: config.PathsConfig{
			SourceDir: filepath.Join(tmpDir, "source"),
			DestDir:   filepath.Join(tmpDir, "dest"),
			CacheDir:  filepath.Join(tmpDir, "cache"),
		},
		Deploy: config.DeployConfig{
			ScriptExtensions: []string{".py"},
		},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// setupSource populates the standard source tree: a manifest, one app
// script, and the add-on config file.
func setupSource(t *testing.T, cfg *config.Config) {
	t.Helper()
	writeFile(t, filepath.Join(cfg.Paths.SourceDir, "apps", "apps.yaml"), "meal_planner:\n  module: meal_planner\n")
	writeFile(t, filepath.Join(cfg.Paths.SourceDir, "apps", "meal_planner.py"), "print('v1')\n")
	writeFile(t, filepath.Join(cfg.Paths.SourceDir, "appdaemon.yaml"), "appdaemon:\n  latitude: 47.37\n")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

func TestRun_FreshDestination(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)

	notifier := &recordingNotifier{}
	engine := NewEngine(cfg, nil, notifier, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Destination mirrors the source tree
	got := listDir(t, cfg.AppsDestDir())
	want := []string{"apps.yaml", "meal_planner.py"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("apps dir = %v, want %v", got, want)
	}
	if readFile(t, filepath.Join(cfg.AppsDestDir(), "meal_planner.py")) != "print('v1')\n" {
		t.Error("script content mismatch")
	}
	if readFile(t, cfg.ConfigDestPath()) != readFile(t, cfg.ConfigSourcePath()) {
		t.Error("appdaemon.yaml content mismatch")
	}

	// Notifier saw the run
	if !notifier.called {
		t.Fatal("notifier not called")
	}
	if notifier.event.FilesCopied != 3 {
		t.Errorf("expected 3 files copied, got %d", notifier.event.FilesCopied)
	}
	if notifier.event.FilesRemoved != 0 {
		t.Errorf("expected 0 files removed, got %d", notifier.event.FilesRemoved)
	}
	if notifier.event.Commit != "" {
		t.Errorf("local deploy must not report a commit, got %q", notifier.event.Commit)
	}
}

func TestRun_RemovesStaleScripts(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)

	// Pre-populate the destination with a stale script, a non-script
	// file, and a subdirectory containing a script.
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "old.py"), "print('stale')\n")
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "notes.txt"), "keep me\n")
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "archive", "legacy.py"), "print('nested')\n")

	notifier := &recordingNotifier{}
	engine := NewEngine(cfg, nil, notifier, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Stale top-level script is gone
	if _, err := os.Stat(filepath.Join(cfg.AppsDestDir(), "old.py")); !os.IsNotExist(err) {
		t.Error("stale script old.py should have been removed")
	}
	// Non-script files survive
	if readFile(t, filepath.Join(cfg.AppsDestDir(), "notes.txt")) != "keep me\n" {
		t.Error("non-script file should be untouched")
	}
	// Cleanup is shallow: nested scripts survive
	if readFile(t, filepath.Join(cfg.AppsDestDir(), "archive", "legacy.py")) != "print('nested')\n" {
		t.Error("nested script should be untouched by shallow cleanup")
	}
	if notifier.event.FilesRemoved != 1 {
		t.Errorf("expected 1 file removed, got %d", notifier.event.FilesRemoved)
	}
}

func TestRun_RefreshesScriptPresentInSource(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)

	// Destination already holds an outdated copy of the same script.
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "meal_planner.py"), "print('v0')\n")

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if readFile(t, filepath.Join(cfg.AppsDestDir(), "meal_planner.py")) != "print('v1')\n" {
		t.Error("script should be refreshed from source, not merely spared")
	}
}

func TestRun_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	firstApps := listDir(t, cfg.AppsDestDir())
	firstConfig := readFile(t, cfg.ConfigDestPath())

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	secondApps := listDir(t, cfg.AppsDestDir())
	if len(firstApps) != len(secondApps) {
		t.Fatalf("apps dir changed across runs: %v vs %v", firstApps, secondApps)
	}
	for i := range firstApps {
		if firstApps[i] != secondApps[i] {
			t.Fatalf("apps dir changed across runs: %v vs %v", firstApps, secondApps)
		}
	}
	if readFile(t, cfg.ConfigDestPath()) != firstConfig {
		t.Error("appdaemon.yaml changed across runs")
	}
}

func TestRun_PreservesAttributes(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)

	srcScript := filepath.Join(cfg.Paths.SourceDir, "apps", "meal_planner.py")
	if err := os.Chmod(srcScript, 0750); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(srcScript, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(cfg.AppsDestDir(), "meal_planner.py"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("expected mode 0750, got %v", info.Mode().Perm())
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, info.ModTime())
	}
}

func TestRun_CopiesSubdirectoriesAndSymlinks(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)
	writeFile(t, filepath.Join(cfg.Paths.SourceDir, "apps", "lib", "helpers.py"), "def helper(): pass\n")
	if err := os.Symlink("meal_planner.py", filepath.Join(cfg.Paths.SourceDir, "apps", "planner_link.py")); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if readFile(t, filepath.Join(cfg.AppsDestDir(), "lib", "helpers.py")) != "def helper(): pass\n" {
		t.Error("nested file not copied")
	}
	target, err := os.Readlink(filepath.Join(cfg.AppsDestDir(), "planner_link.py"))
	if err != nil {
		t.Fatalf("symlink not recreated: %v", err)
	}
	if target != "meal_planner.py" {
		t.Errorf("symlink target = %q", target)
	}
}

func TestRun_SkipsHiddenEntries(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)
	writeFile(t, filepath.Join(cfg.Paths.SourceDir, "apps", ".gitignore"), "__pycache__\n")
	writeFile(t, filepath.Join(cfg.Paths.SourceDir, "apps", ".git", "HEAD"), "ref: refs/heads/main\n")

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, name := range []string{".gitignore", ".git"} {
		if _, err := os.Stat(filepath.Join(cfg.AppsDestDir(), name)); !os.IsNotExist(err) {
			t.Errorf("hidden entry %s should not be copied", name)
		}
	}
}

func TestRun_MissingConfigFileAbortsAfterApps(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)
	if err := os.Remove(cfg.ConfigSourcePath()); err != nil {
		t.Fatal(err)
	}

	notifier := &recordingNotifier{}
	engine := NewEngine(cfg, nil, notifier, testLogger(), false)
	err := engine.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when appdaemon.yaml is missing")
	}

	// The sequence is not transactional: the apps were already deployed
	// before the config copy failed.
	if _, statErr := os.Stat(filepath.Join(cfg.AppsDestDir(), "meal_planner.py")); statErr != nil {
		t.Error("apps should already be deployed when the config copy fails")
	}
	if _, statErr := os.Stat(cfg.ConfigDestPath()); !os.IsNotExist(statErr) {
		t.Error("appdaemon.yaml should not exist in the destination")
	}
	if notifier.called {
		t.Error("failed deploys must not be announced")
	}
}

func TestRun_MissingSourceFails(t *testing.T) {
	cfg := testConfig(t)
	// No source tree at all.

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing source directory")
	}
}

func TestRun_DryRunMakesNoChanges(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "old.py"), "print('stale')\n")

	notifier := &recordingNotifier{}
	engine := NewEngine(cfg, nil, notifier, testLogger(), true)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Stale script is still there, nothing was copied.
	if _, err := os.Stat(filepath.Join(cfg.AppsDestDir(), "old.py")); err != nil {
		t.Error("dry-run must not remove stale scripts")
	}
	if _, err := os.Stat(filepath.Join(cfg.AppsDestDir(), "meal_planner.py")); !os.IsNotExist(err) {
		t.Error("dry-run must not copy files")
	}
	if _, err := os.Stat(cfg.ConfigDestPath()); !os.IsNotExist(err) {
		t.Error("dry-run must not copy appdaemon.yaml")
	}
	if notifier.called {
		t.Error("dry-run must not announce a deploy")
	}
}

func TestRun_GitSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repo = config.RepoConfig{URL: "git@github.com:test/ha-config.git", Ref: "main", Subdir: "appdaemon"}

	gitClient := &mockGitClient{
		commitHash: "abc123",
		repoSetup: func(destDir string) {
			root := filepath.Join(destDir, "appdaemon")
			writeFile(t, filepath.Join(root, "apps", "apps.yaml"), "app: {}\n")
			writeFile(t, filepath.Join(root, "apps", "app.py"), "print('from git')\n")
			writeFile(t, filepath.Join(root, "appdaemon.yaml"), "appdaemon: {}\n")
		},
	}

	notifier := &recordingNotifier{}
	engine := NewEngine(cfg, gitClient, notifier, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !gitClient.called {
		t.Fatal("git checkout not performed")
	}
	if readFile(t, filepath.Join(cfg.AppsDestDir(), "app.py")) != "print('from git')\n" {
		t.Error("app from git checkout not deployed")
	}
	if notifier.event.Commit != "abc123" {
		t.Errorf("expected commit abc123 in event, got %q", notifier.event.Commit)
	}
}

func TestRun_GitCheckoutFailureAborts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repo = config.RepoConfig{URL: "git@github.com:test/ha-config.git", Ref: "main"}

	gitClient := &mockGitClient{err: errors.New("network unreachable")}
	engine := NewEngine(cfg, gitClient, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected error when checkout fails")
	}

	// Nothing was deployed.
	if _, err := os.Stat(cfg.Paths.DestDir); !os.IsNotExist(err) {
		t.Error("destination must be untouched when checkout fails")
	}
}

func TestRun_NotifierFailureDoesNotFailDeploy(t *testing.T) {
	cfg := testConfig(t)
	setupSource(t, cfg)

	notifier := &recordingNotifier{err: errors.New("broker unreachable")}
	engine := NewEngine(cfg, nil, notifier, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("deploy must succeed even when the announcement fails: %v", err)
	}
}

func TestRun_CustomScriptExtensions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Deploy.ScriptExtensions = []string{".py", ".js"}
	setupSource(t, cfg)
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "old.js"), "// stale\n")
	writeFile(t, filepath.Join(cfg.AppsDestDir(), "old.lua"), "-- kept\n")

	engine := NewEngine(cfg, nil, &recordingNotifier{}, testLogger(), false)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.AppsDestDir(), "old.js")); !os.IsNotExist(err) {
		t.Error("stale .js script should be removed with custom extensions")
	}
	if _, err := os.Stat(filepath.Join(cfg.AppsDestDir(), "old.lua")); err != nil {
		t.Error(".lua file is not a configured script extension and must survive")
	}
}
