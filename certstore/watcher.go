package certstore

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Reloads the CA whenever its certificate or key file is written, until ctx
// is done. Only valid for stores created WithCAFiles.
func (s *Store) Watch(ctx context.Context) error {
	if s.certPath == "" || s.keyPath == "" {
		return errors.New("certificate store has no CA files to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	for _, path := range []string{s.certPath, s.keyPath} {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return errors.Wrapf(err, "failed to watch %s", path)
		}
	}

	go s.loopReload(ctx, watcher)
	return nil
}

func (s *Store) loopReload(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Error("failed to reload CA", zap.String("file", event.Name), zap.Error(err))
				continue
			}
			s.logger.Info("reloaded CA", zap.String("file", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("file watcher error", zap.Error(err))
		}
	}
}
