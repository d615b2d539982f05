package registry

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"helm/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Watch re-runs Reconcile whenever a hivematrix-* sibling directory appears
// or disappears. Events are debounced because a git clone produces a burst
// of them. The watcher stops when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.parentDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		trigger := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(event.Name)
				if !strings.HasPrefix(base, ServicePrefix) && !strings.HasPrefix(base, "keycloak-") {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(2*time.Second, func() {
					select {
					case trigger <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Registry", "Watcher error: %v", err)
			case <-trigger:
				logging.Info("Registry", "Service directory change detected, reconciling")
				if err := r.Reconcile(); err != nil {
					logging.Error("Registry", err, "Reconcile after directory change failed")
				}
			}
		}
	}()
	return nil
}
