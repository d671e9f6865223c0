package hv

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hvcorn/hvcorn/go/models"
)

// PresetWatcher follows the config file and keeps the newest tracer presets
// until the dispatcher takes them. It never touches the registry itself.
type PresetWatcher struct {
	path string
	w    *fsnotify.Watcher
	log  zerolog.Logger

	mu      sync.Mutex
	pending []models.TracerPreset
	stale   bool
}

func NewPresetWatcher(path string, log zerolog.Logger) (*PresetWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "preset watcher")
	}
	// editors replace files, so watch the directory and filter
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch %s", path)
	}
	return &PresetWatcher{
		path: filepath.Clean(path),
		w:    w,
		log:  log.With().Str("component", "presets").Logger(),
	}, nil
}

// Run waits for changes until ctx is done or the watcher is closed.
func (p *PresetWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != p.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.reload()
		case err, ok := <-p.w.Errors:
			if !ok {
				return nil
			}
			p.log.Warn().Err(err).Msg("watch")
		}
	}
}

func (p *PresetWatcher) reload() {
	cfg, err := models.LoadConfig(p.path)
	if err != nil {
		// half written files show up here; the next write event retries
		p.log.Warn().Err(err).Msg("config reload")
		return
	}
	p.set(cfg.Tracers)
	p.log.Info().Msgf("%d tracer presets queued", len(cfg.Tracers))
}

func (p *PresetWatcher) set(presets []models.TracerPreset) {
	p.mu.Lock()
	p.pending, p.stale = presets, true
	p.mu.Unlock()
}

func (p *PresetWatcher) take() ([]models.TracerPreset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stale {
		return nil, false
	}
	p.stale = false
	return p.pending, true
}

func (p *PresetWatcher) Close() error {
	return p.w.Close()
}
