package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

func managerConfig(t *testing.T, mode string, catalog []config.ModelCatalogEntry) config.EngineConfig {
	t.Helper()
	return config.EngineConfig{
		Mode:              mode,
		ModelsDir:         t.TempDir(),
		DefaultModelID:    "whisper-tiny.en",
		Concurrency:       1,
		RequestTimeoutMS:  5000,
		DownloadTimeoutMS: 60000,
		Catalog:           catalog,
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	cfg := managerConfig(t, "exec", []config.ModelCatalogEntry{
		{ID: "whisper-tiny.en", URL: server.URL, SizeBytes: int64(len(payload))},
	})
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	if err := m.startDownload("whisper-tiny.en"); err != nil {
		t.Fatalf("start download: %v", err)
	}
	waitFor(t, "download to finish", func() bool { return !m.progress().Active })

	p := m.progress()
	if p.Err != nil {
		t.Fatalf("download reported error: %v", p.Err)
	}
	if p.Received != int64(len(payload)) {
		t.Fatalf("received %d bytes, want %d", p.Received, len(payload))
	}
	if !m.downloaded("whisper-tiny.en") {
		t.Fatalf("model file missing after download")
	}
	if _, err := os.Stat(m.path("whisper-tiny.en") + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}

	// Re-requesting a downloaded model is a quiet no-op.
	if err := m.startDownload("whisper-tiny.en"); err != nil {
		t.Fatalf("redundant download errored: %v", err)
	}
}

func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := make([]byte, 512)
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCancelDownload(t *testing.T) {
	server := slowServer(t)
	cfg := managerConfig(t, "exec", []config.ModelCatalogEntry{
		{ID: "whisper-tiny.en", URL: server.URL},
	})
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	if err := m.startDownload("whisper-tiny.en"); err != nil {
		t.Fatalf("start download: %v", err)
	}
	waitFor(t, "bytes to flow", func() bool {
		p := m.progress()
		return p.Active && p.Received > 0
	})

	if !m.cancelDownload() {
		t.Fatalf("cancel reported nothing active")
	}
	waitFor(t, "download to stop", func() bool { return !m.progress().Active })

	p := m.progress()
	if p.Err == nil {
		t.Fatalf("canceled download should carry an error")
	}
	if m.downloaded("whisper-tiny.en") {
		t.Fatalf("canceled download must not leave a finished file")
	}
	if _, err := os.Stat(m.path("whisper-tiny.en") + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind after cancel")
	}

	if m.cancelDownload() {
		t.Fatalf("second cancel should find nothing active")
	}
}

func TestConcurrentDownloadRejected(t *testing.T) {
	server := slowServer(t)
	cfg := managerConfig(t, "exec", []config.ModelCatalogEntry{
		{ID: "whisper-tiny.en", URL: server.URL},
		{ID: "whisper-base.en", URL: server.URL},
	})
	cfg.DefaultModelID = "whisper-tiny.en"
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	if err := m.startDownload("whisper-tiny.en"); err != nil {
		t.Fatalf("start download: %v", err)
	}
	waitFor(t, "download to start", func() bool { return m.progress().Active })

	err := m.startDownload("whisper-base.en")
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.CodeBusy {
		t.Fatalf("expected busy error, got %v", err)
	}
	m.cancelDownload()
}

func TestDownloadUnknownModel(t *testing.T) {
	cfg := managerConfig(t, "exec", nil)
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	err := m.startDownload("imaginary")
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.CodeModelMissing {
		t.Fatalf("expected model_missing, got %v", err)
	}
}

func TestUseRequiresFileInExecMode(t *testing.T) {
	cfg := managerConfig(t, "exec", []config.ModelCatalogEntry{{ID: "whisper-tiny.en"}})
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	_, err := m.use("whisper-tiny.en")
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.CodeModelMissing {
		t.Fatalf("expected model_missing, got %v", err)
	}

	if err := os.WriteFile(m.path("whisper-tiny.en"), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write fake weights: %v", err)
	}
	path, err := m.use("whisper-tiny.en")
	if err != nil {
		t.Fatalf("use after download: %v", err)
	}
	if path != m.path("whisper-tiny.en") {
		t.Fatalf("unexpected path %s", path)
	}
	if m.loadedModel() != "whisper-tiny.en" {
		t.Fatalf("loaded marker not set")
	}

	m.unload()
	if m.loadedModel() != "" {
		t.Fatalf("unload did not clear the marker")
	}
}

func TestMockModeSkipsFileCheck(t *testing.T) {
	cfg := managerConfig(t, "mock", []config.ModelCatalogEntry{{ID: "whisper-tiny.en"}})
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	if _, err := m.use(""); err != nil {
		t.Fatalf("mock mode should not require weights: %v", err)
	}
	if m.loadedModel() != "whisper-tiny.en" {
		t.Fatalf("empty id should resolve to the default model")
	}
}

func TestListReportsCatalogState(t *testing.T) {
	cfg := managerConfig(t, "exec", []config.ModelCatalogEntry{
		{ID: "whisper-tiny.en", Name: "Tiny", SizeBytes: 10},
		{ID: "whisper-base.en", Name: "Base", SizeBytes: 20},
	})
	m := newModelManager(context.Background(), cfg, testLogger())
	defer m.close()

	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.ModelsDir, "whisper-tiny.en.bin"), []byte("w"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	if _, err := m.use("whisper-tiny.en"); err != nil {
		t.Fatalf("use: %v", err)
	}

	models := m.list()
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if !models[0].Downloaded || !models[0].Loaded {
		t.Fatalf("tiny should be downloaded and loaded: %+v", models[0])
	}
	if models[1].Downloaded || models[1].Loaded {
		t.Fatalf("base should be neither downloaded nor loaded: %+v", models[1])
	}
}
