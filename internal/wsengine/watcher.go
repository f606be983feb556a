package wsengine

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaysync/internal/replsession"
)

// watchStorePath wakes the push loop when the store file changes on disk.
// The watch covers the parent directory because sqlite and atomic writers
// replace files rather than modify them in place. The returned func stops
// the watch.
func watchStorePath(ctx context.Context, path string, logger replsession.Logger, wake chan<- struct{}) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	base := filepath.Base(path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				// sqlite activity shows up on the db file and its -wal/-shm
				// companions; match on the shared prefix.
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("store watch %s: %v", dir, err)
				}
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
