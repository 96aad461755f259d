package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher calls OnChange after the watched file is written, created or
// renamed into place. Bursts of events within the debounce window collapse
// into one call.
type Watcher struct {
	path     string
	onChange func(path string)
	debounce time.Duration
}

func New(path string, onChange func(path string)) *Watcher {
	return &Watcher{path: path, onChange: onChange, debounce: defaultDebounce}
}

// Start watches the file's directory, so editors that replace the file via
// rename keep working. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		fw.Close()
		return err
	}
	zlog.Info().Str("path", target).Msg("watching config file")

	go func() {
		defer fw.Close()
		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		fire := func() {
			if ctx.Err() != nil {
				return
			}
			w.onChange(target)
		}
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case evt, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, fire)
				mu.Unlock()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				zlog.Warn().Err(err).Str("path", target).Msg("config watcher error")
			}
		}
	}()
	return nil
}
