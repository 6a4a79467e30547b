package store

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SystemPromptLoader reads a project's role markdown file and hot-reloads it
// on write, so a long-running Orchestrator never serves a stale prompt after
// an operator edits the file on disk. Grounded on the teacher's
// internal/templates.Registry file-watch pattern (fsnotify + debounced
// refresh), narrowed to a single file instead of a directory tree.
type SystemPromptLoader struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	current atomic.Pointer[string]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  func()
	wg      sync.WaitGroup
}

// NewSystemPromptLoader reads path once synchronously before returning, so a
// caller always gets a populated loader or an error — never a loader that
// silently serves an empty prompt.
func NewSystemPromptLoader(path string, debounce time.Duration) (*SystemPromptLoader, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	l := &SystemPromptLoader{
		path:     path,
		debounce: debounce,
		logger:   slog.Default().With("component", "systemprompt"),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the most recently loaded prompt text.
func (l *SystemPromptLoader) Current() string {
	if p := l.current.Load(); p != nil {
		return *p
	}
	return ""
}

func (l *SystemPromptLoader) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read system prompt %s: %w", l.path, err)
	}
	text := string(data)
	l.current.Store(&text)
	return nil
}

// Watch starts the background fsnotify loop. Calling Watch more than once is
// a no-op; call Close to stop it.
func (l *SystemPromptLoader) Watch() error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("system prompt watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		l.mu.Unlock()
		return fmt.Errorf("watch system prompt %s: %w", l.path, err)
	}
	l.watcher = watcher
	stop := make(chan struct{})
	l.cancel = func() { close(stop) }
	l.mu.Unlock()

	l.wg.Add(1)
	go l.watchLoop(stop, watcher)
	return nil
}

func (l *SystemPromptLoader) watchLoop(stop <-chan struct{}, watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			if err := l.reload(); err != nil {
				l.logger.Warn("system prompt reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("system prompt watch error", "error", err)
		}
	}
}

// Close stops the watch loop, if running.
func (l *SystemPromptLoader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	cancel := l.cancel
	l.watcher = nil
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	l.wg.Wait()
	return err
}
