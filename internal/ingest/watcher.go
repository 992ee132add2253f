// Package ingest watches a drop folder and feeds finished audio files into
// the recorder's write path at background priority. Files are moved out of
// the folder before they are appended, so a restart never ingests the same
// file twice.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/hearsaylabs/hearsay/internal/audio"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// Sink accepts externally captured audio. In the daemon this is the
// recorder service, which stays the sole store writer.
type Sink interface {
	AppendExternal(ctx context.Context, audioPath, source string, priority protocol.Priority) (memostore.Utterance, error)
}

// Watcher debounces filesystem events per path: a file only counts as
// dropped once it has gone quiet for the settle window, so partially
// copied files are never picked up.
type Watcher struct {
	cfg      config.IngestConfig
	audioDir string
	log      *slog.Logger
	sink     Sink
	settle   time.Duration

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	due    chan string

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(parent context.Context, cfg config.IngestConfig, audioDir string, sink Sink, log *slog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(parent)
	return &Watcher{
		cfg:      cfg,
		audioDir: audioDir,
		log:      log.With(slog.String("component", "ingest")),
		sink:     sink,
		settle:   time.Duration(cfg.SettleMS) * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
		due:      make(chan string, 16),
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins watching the drop folder. Files already sitting there are
// scheduled too; anything left behind is by definition not yet ingested.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create drop folder: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.cfg.Directory); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.Directory, err)
	}
	w.fsw = fsw

	entries, err := os.ReadDir(w.cfg.Directory)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("scan drop folder: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.schedule(filepath.Join(w.cfg.Directory, entry.Name()))
	}

	w.wg.Add(1)
	go w.run()
	w.log.Info("drop folder watch started",
		slog.String("directory", w.cfg.Directory),
		slog.Duration("settle", w.settle))
	return nil
}

func (w *Watcher) Close() {
	w.cancel()
	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", slog.String("error", err.Error()))
		case path := <-w.due:
			w.ingest(path)
		}
	}
}

// schedule arms or re-arms the settle timer for path. Every write event
// pushes the deadline out again.
func (w *Watcher) schedule(path string) {
	if !eligible(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.due <- path:
		case <-w.ctx.Done():
		}
	})
}

func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".wav")
}

func (w *Watcher) ingest(path string) {
	if _, err := os.Stat(path); err != nil {
		// Removed or renamed away while settling.
		return
	}
	if _, err := audio.Probe(path); err != nil {
		w.log.Warn("drop rejected, not a readable wav",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	dest := filepath.Join(w.audioDir, uuid.NewString()+".wav")
	if err := moveFile(path, dest); err != nil {
		w.log.Error("failed to move drop into audio dir",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	u, err := w.sink.AppendExternal(w.ctx, dest, memostore.SourceDropin, protocol.PriorityBackground)
	if err != nil {
		w.log.Error("drop ingest failed",
			slog.String("path", path),
			slog.String("audio_path", dest),
			slog.String("error", err.Error()))
		return
	}
	w.log.Info("drop ingested",
		slog.String("path", path),
		slog.String("utterance_id", u.ID),
		slog.Int64("seq", u.Seq))
}

// moveFile renames src to dest, falling back to copy-and-remove when the
// drop folder sits on a different filesystem.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
