// Package fswatch runs a self-healing fsnotify directory watch.
//
// When fsnotify gets into a bad state (common on Windows and with certain
// editors) the watcher may stop delivering events or close its channels.
// Run recreates it with a small jittered exponential backoff.
package fswatch

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "remindd/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Handler receives filtered events. Overflow is reported with an empty
// event name so the caller can force a full rescan.
type Handler func(ev fsnotify.Event)

// Relevant is the op mask callers usually care about.
const Relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Run watches dir until ctx is done. It returns nil on cancellation.
func Run(ctx context.Context, dir string, log logx.Logger, fn Handler) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	backoff := restartBackoffBase
	// local RNG to avoid global contention.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			log.Warn("watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		log.Debug("watcher started", logx.String("dir", dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&Relevant != 0 {
					fn(ev)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; ask for a rescan.
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "overflow") {
					log.Warn("watch overflow; forcing rescan", logx.Err(err), logx.String("dir", dir))
					fn(fsnotify.Event{})
					continue
				}
				log.Warn("watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		log.Warn("watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}
