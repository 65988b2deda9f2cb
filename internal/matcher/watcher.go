package matcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
)

// Watcher wakes the engine early when files change under the input
// roots, instead of waiting for the next poll tick.
type Watcher struct {
	fs   *fsnotify.Watcher
	wake chan struct{}
	done chan struct{}
}

// NewWatcher starts watching the workspace input roots recursively.
func NewWatcher(layout config.Layout) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:   fs,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, root := range []string{layout.InputsDir(), layout.BaselineInputsDir()} {
		w.addTree(root)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) addTree(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			logging.Get(logging.CategoryMatcher).Warn("watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// New directories must be added to keep the watch recursive.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addTree(ev.Name)
				}
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryMatcher).Warn("watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Wake returns a channel that receives when input files changed.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
