// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thoclabs/nightwatch/pkg/logging"
)

// ReloadHandler receives each successfully reloaded configuration.
type ReloadHandler func(*Config)

// Watcher reloads the configuration when the file changes on disk.
//
// # Description
//
// Watches the directory containing the config file (editors replace
// files by rename, which drops a watch placed on the file itself) and
// debounces bursts of write events into a single reload. A reload
// that fails to parse or validate is logged and discarded; the last
// good configuration stays in effect.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single
// goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handler  ReloadHandler
	logger   *logging.Logger
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more write events
	// before reloading. Default: 250ms.
	DebounceWindow time.Duration

	// Logger receives reload outcomes. Default: discard.
	Logger *logging.Logger
}

// NewWatcher creates a watcher for the given config file.
//
// Inputs:
//   - path: config file to watch.
//   - handler: called with each successfully reloaded Config.
//   - opts: optional settings (nil uses defaults).
//
// Outputs:
//   - *Watcher: ready to start.
//   - error: fsnotify initialization failure.
func NewWatcher(path string, handler ReloadHandler, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		opts = &WatcherOptions{}
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fsw,
		handler:  handler,
		logger:   opts.Logger,
		debounce: opts.DebounceWindow,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The watch loop exits when Stop is called or
// the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.loop(ctx)
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// loop debounces relevant events and triggers reloads.
func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err.Error())
		}
	}
}

// reload loads and validates the file, keeping the old configuration
// on any failure.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", "path", w.path, "error", err.Error())
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.handler != nil {
		w.handler(cfg)
	}
}
