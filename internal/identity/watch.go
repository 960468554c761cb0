package identity

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the data directory for out-of-band edits to the
// device-name file and invokes onNameChange with the new value. Edits made
// through SetDeviceName also land here; callers dedupe by comparing with
// their last-known value. Returns immediately when the directory cannot be
// watched (read-only store, platform limits) — watching is best effort.
func (s *Store) Watch(ctx context.Context, onNameChange func(string)) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnw("config watch unavailable", "err", err)
		return
	}
	if err := w.Add(s.dir); err != nil {
		log.Warnw("config watch unavailable", "dir", s.dir, "err", err)
		_ = w.Close()
		return
	}

	go func() {
		defer w.Close()

		// Editors write via rename; debounce bursts before re-reading.
		var pending *time.Timer
		fire := func() {
			name := s.readFile(FileDeviceName)
			if name == "" {
				return
			}
			s.mu.Lock()
			changed := name != s.deviceName
			s.deviceName = name
			s.mu.Unlock()
			if changed {
				log.Infow("device name changed on disk", "name", name)
				onNameChange(name)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != FileDeviceName {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, fire)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debugw("config watch error", "err", err)
			}
		}
	}()
}
