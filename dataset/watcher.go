package dataset

import (
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
)

// watcher reports shard files created in the shards directory by any
// process. It never touches timestamps itself: every start index goes to
// onShard, which forwards it to the timestamp actor.
type watcher struct {
	fs *fsnotify.Watcher
	wg sync.WaitGroup
}

func watchShards(dir string, onShard func(start int64), logger log.Interface) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &watcher{fs: fw}
	w.wg.Add(1)
	go w.loop(onShard, logger)
	return w, nil
}

func (w *watcher) loop(onShard func(start int64), logger log.Interface) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// A rename into the directory is reported as Create.
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if start, _, ok := parseShardName(filepath.Base(ev.Name)); ok {
				onShard(start)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("shard watcher")
		}
	}
}

// stop closes the fsnotify handle and waits for the loop to exit.
func (w *watcher) stop() error {
	err := w.fs.Close()
	w.wg.Wait()
	return err
}
