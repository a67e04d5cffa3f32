package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Subscription is a cancellable watch on the persisted credentials file.
// Events are coalesced: a burst of filesystem changes produces at least one
// signal, not one per change.
type Subscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// Watch registers a filesystem watcher for external changes to the
// credentials file. The watch covers the parent directory so an atomic
// replace (temp file + rename) is still observed. The subscription closes
// when ctx is cancelled or Close is called.
func (s *Store) Watch(ctx context.Context) (*Subscription, error) {
	path := s.FilePath()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create credentials watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch credentials directory %q: %w", filepath.Dir(path), err)
	}

	sub := &Subscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run(ctx, filepath.Base(path))
	return sub, nil
}

// Events returns the change signal channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan struct{} {
	return s.events
}

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.watcher.Close()
	})
	return nil
}

func (s *Subscription) run(ctx context.Context, name string) {
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.signal()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.signal()
		}
	}
}

func (s *Subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}
