package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadCooldown = 2 * time.Second

// Watcher recarga el archivo de configuración cuando cambia en disco y entrega
// la nueva Config al handler. Una recarga inválida se loguea y se descarta:
// el engine sigue con la última configuración buena.
type Watcher struct {
	path     string
	cooldown time.Duration
	handler  func(*Config)

	watcher    *fsnotify.Watcher
	mu         sync.Mutex
	lastReload time.Time
	done       chan struct{}
}

// NewWatcher crea un watcher sobre path. Se vigila el directorio para no perder
// los renames que hacen los editores al guardar.
func NewWatcher(path string, handler func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config.NewWatcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config.NewWatcher: watch %q: %w", path, err)
	}
	return &Watcher{
		path:     path,
		cooldown: defaultReloadCooldown,
		handler:  handler,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// SetCooldown cambia el tiempo mínimo entre recargas.
func (w *Watcher) SetCooldown(d time.Duration) {
	w.mu.Lock()
	w.cooldown = d
	w.mu.Unlock()
}

// Run bloquea hasta que ctx termina.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}

// Done se cierra cuando Run termina.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if time.Since(w.lastReload) < w.cooldown {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}
	slog.Info("config: reloaded", "path", w.path)
	w.handler(cfg)
}
