package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 200 * time.Millisecond

// ScriptedResolver answers exact, case-insensitive matches from a table that
// can be replaced at any time without restarting anything.
type ScriptedResolver struct {
	path   string
	logger *zap.Logger

	table   atomic.Pointer[map[string]string]
	writeMu sync.Mutex
}

func NewScriptedResolver(path string, initial map[string]string, logger *zap.Logger) *ScriptedResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ScriptedResolver{path: path, logger: logger}
	s.Replace(initial)
	return s
}

func (s *ScriptedResolver) Name() string   { return "scripted" }
func (s *ScriptedResolver) Source() Source { return SourceScripted }

func (s *ScriptedResolver) Resolve(_ context.Context, req Request) (string, bool, error) {
	table := s.table.Load()
	if table == nil {
		return "", false, nil
	}
	answer, ok := (*table)[req.Normalized]
	return answer, ok, nil
}

// Replace swaps the whole table.
func (s *ScriptedResolver) Replace(entries map[string]string) {
	next := make(map[string]string, len(entries))
	for q, a := range entries {
		if key := Normalize(q); key != "" && a != "" {
			next[key] = a
		}
	}
	s.table.Store(&next)
}

// Path is the backing file, empty when the table lives in memory only.
func (s *ScriptedResolver) Path() string { return s.path }

// Len reports the number of scripted questions.
func (s *ScriptedResolver) Len() int {
	if t := s.table.Load(); t != nil {
		return len(*t)
	}
	return 0
}

// Add inserts one entry and writes the table back to its file.
func (s *ScriptedResolver) Add(question, answer string) error {
	key := Normalize(question)
	if key == "" || answer == "" {
		return errors.New("question and answer are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.table.Load()
	next := make(map[string]string, len(*cur)+1)
	for k, v := range *cur {
		next[k] = v
	}
	next[key] = answer
	s.table.Store(&next)

	if s.path == "" {
		return nil
	}
	return writeTable(s.path, next)
}

// LoadFile replaces the table with the file contents. YAML and JSON are both accepted.
func (s *ScriptedResolver) LoadFile() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read scripted responses: %w", err)
	}
	entries := map[string]string{}
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse scripted responses %s: %w", s.path, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.Replace(entries)
	s.logger.Info("scripted responses loaded", zap.String("path", s.path), zap.Int("entries", s.Len()))
	return nil
}

// Watch reloads the file whenever it changes, until ctx is done.
func (s *ScriptedResolver) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so the directory is watched rather than the file.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create scripted dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("scripted watcher error", zap.Error(err))
		case <-timer.C:
			if err := s.LoadFile(); err != nil {
				s.logger.Warn("scripted reload failed, keeping previous table", zap.Error(err))
			}
		}
	}
}

func writeTable(path string, table map[string]string) error {
	raw, err := yaml.Marshal(table)
	if err != nil {
		return fmt.Errorf("marshal scripted responses: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create scripted dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write scripted responses: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace scripted responses: %w", err)
	}
	return nil
}
