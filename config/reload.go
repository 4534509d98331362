package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/Sunmxt/consul-watch/log"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Reloader loads configuration file again when it changes on disk
// and swaps the handle atomically. Invalid files are ignored.
type Reloader struct {
	Path     string
	Handle   *Handle
	OnReload func(old, cur *Config)
	// Prepare adjusts the raw document before validation.
	Prepare func(raw *WatchConfigure) error

	log      *log.Logger
	fw       *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReloader(path string, handle *Handle, onReload func(old, cur *Config)) (*Reloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r := &Reloader{
		Path:     abs,
		Handle:   handle,
		OnReload: onReload,
		log:      log.NewLogger(),
		fw:       fw,
		done:     make(chan struct{}),
	}
	r.log.Fields["entity"] = "config-reload"
	return r, nil
}

// Start watches the directory of the file. Editors often replace files
// instead of writing in place, so watching the file itself loses track.
func (r *Reloader) Start() error {
	if err := r.fw.Add(filepath.Dir(r.Path)); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.loop()
	r.log.Info0("Watching configuration file \"" + r.Path + "\".")
	return nil
}

func (r *Reloader) loop() {
	defer r.wg.Done()

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-r.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.Path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}

		case err, ok := <-r.fw.Errors:
			if !ok {
				return
			}
			r.log.Warn("File watch error: " + err.Error())

		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.log.Error("Keep previous configuration: " + err.Error())
			}

		case <-r.done:
			return
		}
	}
}

// Reload loads the file once and swaps the handle on success.
func (r *Reloader) Reload() error {
	raw, err := LoadConfigure(r.Path)
	if err != nil {
		return err
	}
	if r.Prepare != nil {
		if err = r.Prepare(raw); err != nil {
			return err
		}
	}
	cfg, err := raw.Build()
	if err != nil {
		return err
	}
	old, err := r.Handle.Store(cfg)
	if err != nil {
		return err
	}
	r.log.Info0("Configuration reloaded.")
	if r.OnReload != nil {
		r.OnReload(old, cfg)
	}
	return nil
}

// Stop is safe to call multiple times.
func (r *Reloader) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		err = r.fw.Close()
		r.wg.Wait()
	})
	return err
}
