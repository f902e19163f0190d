package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and pushes the tunable subset
// to the callback. Only strategy/allocation parameters are hot-swappable;
// connection and resilience settings require a restart.
type Watcher struct {
	Path     string
	Debounce time.Duration
}

// Tunables is the safe-to-hot-swap subset of AppConfig.
type Tunables struct {
	DynamicSpread DynamicSpreadConfig
	Allocation    AllocationConfig
	Reconcile     ReconcileConfig
	TargetValue   float64
}

func tunablesOf(cfg AppConfig) Tunables {
	return Tunables{
		DynamicSpread: cfg.DynamicSpread,
		Allocation:    cfg.Allocation,
		Reconcile:     cfg.Reconcile,
		TargetValue:   cfg.Trading.TargetValue,
	}
}

// Start watches until ctx is cancelled. Editors often replace the file
// (rename+create), so the parent directory is watched rather than the file.
func (w Watcher) Start(ctx context.Context, onUpdate func(Tunables)) error {
	if w.Debounce <= 0 {
		w.Debounce = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.Path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(w.Path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.Debounce)
		case <-pending:
			pending = nil
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				// 配置写了一半或非法：保留旧值，等下一次写入
				continue
			}
			if onUpdate != nil {
				onUpdate(tunablesOf(cfg))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			_ = err
		}
	}
}
