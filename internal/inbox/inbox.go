// Package inbox watches a drop directory for specification files and
// submits them as new projects. A *.yaml or *.yml file placed in the
// directory is parsed, submitted with the default policy, and started;
// the file is then renamed with an .accepted or .rejected suffix so a
// drop is processed exactly once.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/orchestrator"
	"github.com/fyrsmithlabs/forged/internal/project"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const (
	acceptedSuffix = ".accepted"
	rejectedSuffix = ".rejected"

	defaultSettleDelay = 500 * time.Millisecond
)

// Config controls the inbox watcher.
type Config struct {
	// Dir is the watched drop directory. Empty disables the inbox.
	Dir string `koanf:"dir"`

	// SettleDelay is how long a dropped file must stay quiet before
	// it is read, so partially copied files are not picked up.
	SettleDelay time.Duration `koanf:"settle_delay"`
}

// DefaultConfig returns an inbox that is disabled until a directory
// is configured.
func DefaultConfig() Config {
	return Config{SettleDelay: defaultSettleDelay}
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
}

// Watcher submits dropped specification files to the orchestrator.
type Watcher struct {
	config  Config
	service orchestrator.Service
	logger  *logging.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New creates the inbox watcher. When no directory is configured the
// watcher is inert: Start and Stop are no-ops.
func New(cfg Config, svc orchestrator.Service, logger *logging.Logger) (*Watcher, error) {
	if svc == nil {
		return nil, fmt.Errorf("orchestrator service cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()

	w := &Watcher{
		config:  cfg,
		service: svc,
		logger:  logger.Named("inbox"),
		stop:    make(chan struct{}),
	}
	if cfg.Dir == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	w.watcher = fsw
	return w, nil
}

// Start begins watching the drop directory. Files already sitting in
// the directory are processed first, so drops made while the daemon
// was down are not lost. Events are handled on a background goroutine
// until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if w.watcher == nil {
		w.logger.Info(ctx, "spec inbox disabled, no directory configured")
		return nil
	}

	if err := os.MkdirAll(w.config.Dir, 0o750); err != nil {
		return fmt.Errorf("creating inbox directory %s: %w", w.config.Dir, err)
	}
	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("watching inbox directory %s: %w", w.config.Dir, err)
	}

	w.logger.Info(ctx, "spec inbox watching", zap.String("dir", w.config.Dir))
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and releases the filesystem handle. Safe to
// call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	}
}

// run processes filesystem events. Settle timers feed back into the
// loop through the ready channel so every drop is handled on this one
// goroutine.
func (w *Watcher) run(ctx context.Context) {
	ready := make(chan string, 16)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	w.scanExisting(ctx)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isSpecFile(event.Name) {
				continue
			}
			// Reset the settle timer on every write so the file is
			// only read once it has stopped changing.
			if t, found := timers[event.Name]; found {
				t.Stop()
			}
			name := event.Name
			timers[name] = time.AfterFunc(w.config.SettleDelay, func() {
				select {
				case ready <- name:
				case <-w.stop:
				}
			})

		case path := <-ready:
			delete(timers, path)
			w.process(ctx, path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "inbox watcher error", zap.Error(err))
		}
	}
}

// scanExisting submits spec files already present at startup.
func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		w.logger.Warn(ctx, "scanning inbox directory failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.config.Dir, entry.Name())
		if !isSpecFile(path) {
			continue
		}
		w.process(ctx, path)
	}
}

// process submits one dropped file and renames it by outcome.
func (w *Watcher) process(ctx context.Context, path string) {
	select {
	case <-w.stop:
		return
	default:
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// The file may have been removed between the event and the
		// settle timer firing.
		if !os.IsNotExist(err) {
			w.logger.Warn(ctx, "reading dropped spec failed",
				zap.String("path", path), zap.Error(err))
		}
		return
	}

	spec, err := project.ParseSpecification(data)
	if err != nil {
		w.reject(ctx, path, err)
		return
	}

	proj, err := w.service.Submit(ctx, *spec, nil, nil)
	if err != nil {
		w.reject(ctx, path, err)
		return
	}
	if _, err := w.service.StartGeneration(ctx, orchestrator.StartRequest{ProjectID: proj.ID}); err != nil {
		w.reject(ctx, path, err)
		return
	}

	if err := os.Rename(path, path+acceptedSuffix); err != nil {
		w.logger.Warn(ctx, "renaming accepted spec failed",
			zap.String("path", path), zap.Error(err))
	}
	w.logger.Info(ctx, "dropped spec accepted",
		zap.String("path", path),
		zap.String("project_id", proj.ID),
		zap.String("name", spec.Name),
	)
}

// reject renames the file so it is not reprocessed and logs why.
func (w *Watcher) reject(ctx context.Context, path string, cause error) {
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		w.logger.Warn(ctx, "renaming rejected spec failed",
			zap.String("path", path), zap.Error(err))
	}
	w.logger.Warn(ctx, "dropped spec rejected",
		zap.String("path", path), zap.Error(cause))
}

// isSpecFile reports whether path looks like a dropped specification.
// Hidden files and editor temp files are ignored.
func isSpecFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
