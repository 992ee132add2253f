// Package bridge exposes the companion HTTP surface of the recorder
// daemon: pairing info, memo upload and listing, and a websocket feed of
// recorder events. Uploads land in the store through the recorder's own
// append path, so reconciliation and priority handling treat a companion
// memo exactly like local dictation.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	uploadField = "audio"
)

// Sink accepts externally captured audio. In the daemon this is the
// recorder service.
type Sink interface {
	AppendExternal(ctx context.Context, audioPath, source string, priority protocol.Priority) (memostore.Utterance, error)
}

// Deps carries everything the bridge borrows from the daemon.
type Deps struct {
	Sink      Sink
	Store     *memostore.Store
	Bus       *bus.Client
	Observer  config.ObserverConfig
	BusURL    string
	Version   string
	AudioDir  string
	ListLimit int
}

type Server struct {
	cfg         config.BridgeConfig
	deps        Deps
	log         *slog.Logger
	priority    protocol.Priority
	pairingCode string

	httpSrv  *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*liveConn]struct{}
}

func New(parent context.Context, cfg config.BridgeConfig, deps Deps, log *slog.Logger) (*Server, error) {
	priority, err := protocol.ParsePriority(cfg.UploadPriority)
	if err != nil {
		return nil, fmt.Errorf("bridge upload priority: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		log:         log.With(slog.String("component", "bridge")),
		priority:    priority,
		pairingCode: uuid.NewString(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*liveConn]struct{}),
	}
	return s, nil
}

// Start binds the listener and begins serving. The bound port is available
// from Port afterwards, which matters when the configured port is 0.
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/pairing", s.handlePairing).Methods(http.MethodGet)
	router.HandleFunc("/v1/memos", s.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/v1/memos", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/v1/memos/{id}", s.handleGetMemo).Methods(http.MethodGet)
	router.HandleFunc("/v1/live", s.handleLive).Methods(http.MethodGet)
	router.Use(s.logRequests)

	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind bridge listener: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("bridge server stopped", slog.String("error", err.Error()))
		}
	}()

	s.log.Info("bridge listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("device", s.cfg.DeviceName))
	return nil
}

// Port reports the bound TCP port.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.cfg.Port
}

// PairingCode reports the per-run code companions must present.
func (s *Server) PairingCode() string {
	return s.pairingCode
}

func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.shutdown()
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("bridge shutdown", slog.String("error", err.Error()))
		}
	}
	s.wg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

type pairingInfo struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	BusURL      string `json:"bus_url"`
	PairingCode string `json:"pairing_code"`
	DeviceName  string `json:"device_name"`
	Version     string `json:"version"`
}

func (s *Server) handlePairing(w http.ResponseWriter, _ *http.Request) {
	host, err := os.Hostname()
	if err != nil {
		host = s.cfg.Bind
	}
	writeJSON(w, http.StatusOK, pairingInfo{
		Host:        host,
		Port:        s.Port(),
		BusURL:      s.deps.BusURL,
		PairingCode: s.pairingCode,
		DeviceName:  s.cfg.DeviceName,
		Version:     s.deps.Version,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.cfg.MaxUploadBytes)
			return
		}
		writeError(w, http.StatusBadRequest, "malformed multipart upload: %v", err)
		return
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing %q file field", uploadField)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.deps.AudioDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "audio dir unavailable")
		return
	}
	dest := filepath.Join(s.deps.AudioDir, uuid.NewString()+".wav")
	out, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dest)
		writeError(w, http.StatusInternalServerError, "upload interrupted")
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		writeError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}

	u, err := s.deps.Sink.AppendExternal(r.Context(), dest, memostore.SourceCompanion, s.priority)
	if err != nil {
		os.Remove(dest)
		var callErr *protocol.CallError
		if errors.As(err, &callErr) && callErr.Code == protocol.CodeInvalid {
			writeError(w, http.StatusBadRequest, "not a valid wav upload: %s", callErr.Message)
			return
		}
		s.log.Error("memo append failed",
			slog.String("name", header.Filename),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "memo not stored")
		return
	}

	s.log.Info("memo uploaded",
		slog.String("utterance_id", u.ID),
		slog.Int64("seq", u.Seq),
		slog.String("name", header.Filename))
	writeJSON(w, http.StatusCreated, u)
}

type memoList struct {
	Memos []memostore.Utterance `json:"memos"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.ListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	rows, err := s.deps.Store.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if rows == nil {
		rows = []memostore.Utterance{}
	}
	writeJSON(w, http.StatusOK, memoList{Memos: rows})
}

func (s *Server) handleGetMemo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	row, err := s.deps.Store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, memostore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no memo %s", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
