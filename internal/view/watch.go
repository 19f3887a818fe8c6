package view

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/pew-pew-pew/pew/internal/logging"
)

// watcher calls onChange for every event under a directory tree.
type watcher struct {
	fs       *fsnotify.Watcher
	onChange func()
	logger   *logging.Logger
	done     chan struct{}
}

func newWatcher(root string, onChange func(), logger *logging.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fs: fw, onChange: onChange, logger: logger, done: make(chan struct{})}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.WithError(err).WithField("dir", ev.Name).Warn("Cannot watch view directory")
					}
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.logger.WithField("file", ev.Name).Debug("View changed, dropping template cache")
			w.onChange()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("View watcher error")
		}
	}
}

func (w *watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
