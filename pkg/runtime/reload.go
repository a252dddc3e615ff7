package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stageflow/stageflow/pkg/config"
)

// ReloadManager watches one workspace's artifacts and swaps the manager's
// registries when they change. Changes are detected by content hash, so a
// touch that leaves bytes identical is a no-op; filesystem events only pull
// the next check forward.
type ReloadManager struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	trigger chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastHash string
}

func NewReloadManager(m *Manager, cfg config.ReloadConfig, logger *slog.Logger) (*ReloadManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hash, err := hashArtifacts(m.Dir())
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact watcher: %w", err)
	}
	for _, dir := range watchDirs(m.Dir()) {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return &ReloadManager{
		manager:  m,
		interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		logger:   logger.With("workspace", m.Name()),
		watcher:  watcher,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		lastHash: hash,
	}, nil
}

// Start runs the watch loop until Stop.
func (r *ReloadManager) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *ReloadManager) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.watcher.Close()
	})
	r.wg.Wait()
}

func (r *ReloadManager) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.check()
		case <-r.trigger:
			r.check()
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				// Coalesce bursts; the buffered trigger holds at most one
				// pending check.
				select {
				case r.trigger <- struct{}{}:
				default:
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("artifact watcher error", "error", err)
		}
	}
}

func (r *ReloadManager) check() {
	if _, err := r.CheckOnce(); err != nil {
		r.logger.Error("workspace reload failed, keeping previous artifacts", "error", err)
	}
}

// CheckOnce compares the artifact hash against the last applied one and
// reloads the manager on change. It reports whether a reload happened. A
// failed reload keeps the old hash so the next check retries.
func (r *ReloadManager) CheckOnce() (bool, error) {
	hash, err := hashArtifacts(r.manager.Dir())
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	unchanged := hash == r.lastHash
	r.mu.Unlock()
	if unchanged {
		return false, nil
	}

	if err := r.manager.Reload(); err != nil {
		return false, err
	}

	r.mu.Lock()
	r.lastHash = hash
	r.mu.Unlock()

	r.logger.Info("workspace artifacts reloaded", "hash", hash[:12])
	return true, nil
}

// watchDirs lists the directories whose contents shape the artifact hash:
// the workspace root, the agents directory, and each agent directory.
func watchDirs(workspaceDir string) []string {
	dirs := []string{workspaceDir}
	agentsDir := filepath.Join(workspaceDir, config.AgentsDir)
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return dirs
	}
	dirs = append(dirs, agentsDir)
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(agentsDir, entry.Name()))
		}
	}
	return dirs
}

// hashArtifacts digests stage.json, tools_policy.json, and every file under
// agents/, path names included, so renames count as changes.
func hashArtifacts(workspaceDir string) (string, error) {
	h := sha256.New()

	for _, name := range []string{config.StageManifestFile, config.ToolsPolicyFile} {
		if err := hashFile(h, workspaceDir, filepath.Join(workspaceDir, name)); err != nil {
			return "", err
		}
	}

	agentsDir := filepath.Join(workspaceDir, config.AgentsDir)
	err := filepath.WalkDir(agentsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		return hashFile(h, workspaceDir, path)
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash workspace artifacts: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, workspaceDir, path string) error {
	rel, err := filepath.Rel(workspaceDir, path)
	if err != nil {
		rel = path
	}
	io.WriteString(h, rel)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return nil
}
