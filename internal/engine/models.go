package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// modelManager owns the on-disk model catalog: which models exist, which
// one is loaded, and the single in-flight download. In mock mode the file
// checks are relaxed so the engine runs without any weights present.
type modelManager struct {
	cfg         config.EngineConfig
	log         *slog.Logger
	client      *http.Client
	requireFile bool

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	loaded string
	dl     *downloadState
}

type downloadState struct {
	modelID    string
	received   int64
	total      int64
	active     bool
	err        *protocol.CallError
	finishedAt time.Time
	cancel     context.CancelFunc
}

func newModelManager(parent context.Context, cfg config.EngineConfig, log *slog.Logger) *modelManager {
	ctx, cancel := context.WithCancel(parent)
	return &modelManager{
		cfg:         cfg,
		log:         log,
		client:      &http.Client{},
		requireFile: cfg.Mode == "exec",
		ctx:         ctx,
		cancelAll:   cancel,
	}
}

func (m *modelManager) close() {
	m.cancelAll()
	m.wg.Wait()
}

// path returns where a model's weights live on disk.
func (m *modelManager) path(modelID string) string {
	return filepath.Join(m.cfg.ModelsDir, modelID+".bin")
}

func (m *modelManager) downloaded(modelID string) bool {
	info, err := os.Stat(m.path(modelID))
	return err == nil && !info.IsDir()
}

func (m *modelManager) catalogEntry(modelID string) (config.ModelCatalogEntry, bool) {
	for _, entry := range m.cfg.Catalog {
		if entry.ID == modelID {
			return entry, true
		}
	}
	return config.ModelCatalogEntry{}, false
}

// use marks a model loaded and returns its weight path. Requests route
// through here so the loaded marker always reflects the last model run.
func (m *modelManager) use(modelID string) (string, error) {
	if modelID == "" {
		modelID = m.cfg.DefaultModelID
	}
	if m.requireFile && !m.downloaded(modelID) {
		return "", protocol.NewCallError(protocol.CodeModelMissing, "model %s is not downloaded", modelID)
	}
	m.mu.Lock()
	m.loaded = modelID
	m.mu.Unlock()
	return m.path(modelID), nil
}

// preload warms a model ahead of use.
func (m *modelManager) preload(modelID string) error {
	_, err := m.use(modelID)
	return err
}

func (m *modelManager) unload() {
	m.mu.Lock()
	m.loaded = ""
	m.mu.Unlock()
}

func (m *modelManager) loadedModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// list reports the catalog with per-model disk and load status.
func (m *modelManager) list() []protocol.ModelInfo {
	loaded := m.loadedModel()
	out := make([]protocol.ModelInfo, 0, len(m.cfg.Catalog))
	for _, entry := range m.cfg.Catalog {
		out = append(out, protocol.ModelInfo{
			ID:         entry.ID,
			Name:       entry.Name,
			SizeBytes:  entry.SizeBytes,
			Downloaded: m.downloaded(entry.ID),
			Loaded:     entry.ID == loaded,
		})
	}
	return out
}

// startDownload kicks off a background fetch of the model's weights. Only
// one download runs at a time; a model already on disk is a no-op success.
func (m *modelManager) startDownload(modelID string) error {
	entry, ok := m.catalogEntry(modelID)
	if !ok {
		return protocol.NewCallError(protocol.CodeModelMissing, "model %s is not in the catalog", modelID)
	}
	if m.downloaded(modelID) {
		return nil
	}

	m.mu.Lock()
	if m.dl != nil && m.dl.active {
		active := m.dl.modelID
		m.mu.Unlock()
		return protocol.NewCallError(protocol.CodeBusy, "download of %s already in progress", active)
	}
	dlCtx, cancel := context.WithTimeout(m.ctx, time.Duration(m.cfg.DownloadTimeoutMS)*time.Millisecond)
	state := &downloadState{modelID: modelID, total: entry.SizeBytes, active: true, cancel: cancel}
	m.dl = state
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := m.fetch(dlCtx, entry, state)

		m.mu.Lock()
		state.active = false
		state.finishedAt = time.Now().UTC()
		if err != nil {
			state.err = protocol.WrapCallError(err)
		}
		m.mu.Unlock()

		if err != nil {
			m.log.Warn("model download failed",
				slog.String("model_id", modelID),
				slog.String("error", err.Error()))
			return
		}
		m.log.Info("model downloaded", slog.String("model_id", modelID))
	}()
	return nil
}

func (m *modelManager) fetch(ctx context.Context, entry config.ModelCatalogEntry, state *downloadState) error {
	if err := os.MkdirAll(m.cfg.ModelsDir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", entry.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: server returned %s", entry.ID, resp.Status)
	}
	if resp.ContentLength > 0 {
		m.mu.Lock()
		state.total = resp.ContentLength
		m.mu.Unlock()
	}

	partial := m.path(entry.ID) + ".part"
	file, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}

	_, err = io.Copy(file, &progressReader{r: resp.Body, m: m, state: state})
	closeErr := file.Close()
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("stream model weights: %w", err)
	}
	if closeErr != nil {
		os.Remove(partial)
		return fmt.Errorf("flush partial file: %w", closeErr)
	}
	if err := os.Rename(partial, m.path(entry.ID)); err != nil {
		os.Remove(partial)
		return fmt.Errorf("finalize model file: %w", err)
	}
	return nil
}

type progressReader struct {
	r     io.Reader
	m     *modelManager
	state *downloadState
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.m.mu.Lock()
		p.state.received += int64(n)
		p.m.mu.Unlock()
	}
	return n, err
}

// progress reports the current or most recent download.
func (m *modelManager) progress() protocol.DownloadProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dl == nil {
		return protocol.DownloadProgress{}
	}
	return protocol.DownloadProgress{
		ModelID:    m.dl.modelID,
		Active:     m.dl.active,
		Received:   m.dl.received,
		Total:      m.dl.total,
		Err:        m.dl.err,
		FinishedAt: m.dl.finishedAt,
	}
}

// cancelDownload aborts the in-flight download, if any.
func (m *modelManager) cancelDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dl == nil || !m.dl.active {
		return false
	}
	m.dl.cancel()
	return true
}
