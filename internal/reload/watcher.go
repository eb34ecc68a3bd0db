// Package reload detects modifications of on-disk sources such as the
// metadata snapshot.
package reload

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fwaytoday/iot-dc3/internal/schedule"
)

type fileState struct {
	modTime time.Time
	size    int64
	missing bool
}

// Watcher keeps track of source files and detects modifications.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher builds a watcher tracking the given files.
func NewWatcher(paths ...string) *Watcher {
	w := &Watcher{}
	w.Update(paths...)
	return w
}

// Update replaces the tracked files and snapshots their current state.
func (w *Watcher) Update(paths ...string) {
	if w == nil {
		return
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		states[path] = stat(path)
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
}

// Check reports the files that changed since the last snapshot and records
// their new state, so each modification is reported once.
func (w *Watcher) Check() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var changed []string
	for path, prev := range w.files {
		cur := stat(path)
		if cur.missing && prev.missing {
			continue
		}
		if cur.missing != prev.missing || cur.modTime.After(prev.modTime) || cur.size != prev.size {
			changed = append(changed, path)
			w.files[path] = cur
		}
	}
	sort.Strings(changed)
	return changed
}

// Poll checks the tracked files at the given interval and calls onChange
// with the modified paths until ctx is done.
func (w *Watcher) Poll(ctx context.Context, interval time.Duration, onChange func([]string)) error {
	return schedule.Every(ctx, interval, func(context.Context, time.Time) {
		if changed := w.Check(); len(changed) > 0 {
			onChange(changed)
		}
	})
}

func stat(path string) fileState {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fileState{missing: true}
	}
	return fileState{modTime: info.ModTime(), size: info.Size()}
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
