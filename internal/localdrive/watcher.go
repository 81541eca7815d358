package localdrive

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

func randomSuffix() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Watcher notifies callers whenever any object under a local drive
// root changes on disk. The hosted Object Store has no equivalent
// push API — that absence is the entire reason Signaling/peermesh
// exists — so Watcher only makes sense against the disk-backed Client:
// it lets end-to-end tests observe a sibling peer's write the moment it
// lands, without polling Pull on a fixed interval.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
}

// Watch starts watching root's objects directory for changes.
func Watch(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := (&Client{root: root}).objectsDir()
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fsw.Add(filepath.Join(dir, e.Name()))
			}
		}
	}
	w := &Watcher{
		fsw:    fsw,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run(dir)
	return w, nil
}

func (w *Watcher) run(objectsDir string) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(event.Name)
				}
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Changed fires (coalesced) whenever a file under the watched root is
// created, written, or removed.
func (w *Watcher) Changed() <-chan struct{} { return w.events }

func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
