package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/editor"
	"github.com/pseudocoder/filesync/internal/mergeconflict"
	"github.com/pseudocoder/filesync/internal/tabs"
)

// channelBufferSize is the buffer size for the broadcast channel and per-client
// send channels. If a client's buffer fills up, messages are dropped for it.
const channelBufferSize = 256

// Editor is the editing session the server drives. editor.Editor implements it.
type Editor interface {
	Store() *tabs.Store
	Open(ctx context.Context, path string) (tabs.EditorTab, error)
	Edit(path, content string) (tabs.EditorTab, error)
	Save(ctx context.Context, path string) (tabs.EditorTab, error)
	Close(path string) (tabs.EditorTab, error)
	Activate(path string) (tabs.EditorTab, error)
	CheckAll(ctx context.Context) error
	ResolveVersionConflict(ctx context.Context, path string, action editor.Action) (tabs.EditorTab, error)
	DetectMergeConflicts(path string) (tabs.EditorTab, []mergeconflict.Region, error)
	ResolveMergeConflict(path string, choice mergeconflict.Choice) (tabs.EditorTab, error)
	ResolveMergeRegion(path string, index int, choice mergeconflict.Choice) (tabs.EditorTab, error)
	Rename(ctx context.Context, oldPath, newPath string) ([]tabs.EditorTab, error)
	Delete(ctx context.Context, path string) ([]string, error)
}

// PreferenceStore keeps layout preferences shared by every client.
// storage.SQLiteStore implements it.
type PreferenceStore interface {
	SetPreference(key, value string) error
	DeletePreference(key string) error
	Preferences() (map[string]string, error)
}

// Options configures a Server. Zero values pick the defaults noted per field.
type Options struct {
	Logger *zap.Logger

	// Files is mounted at /api/files when set.
	Files http.Handler

	// Preferences enables preference.set. Optional.
	Preferences PreferenceStore

	// Gatherer backs /metrics. Default prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// CommandRate and CommandBurst bound each client's command stream.
	// Default 200/s with a burst of 50.
	CommandRate  float64
	CommandBurst int

	// FocusRate bounds how often one client may trigger CheckAll. Default 2/s.
	FocusRate float64
}

// Server manages WebSocket connections and broadcasts tab events to clients.
// It handles multiple concurrent clients and ensures messages are delivered
// to all connected clients without blocking the sender.
type Server struct {
	addr   string
	editor Editor
	opts   Options
	logger *zap.Logger

	upgrader websocket.Upgrader

	// clients tracks all connected WebSocket clients.
	clients map[*Client]bool

	// mu protects clients and stopped.
	mu      sync.RWMutex
	stopped bool

	broadcast chan Message

	httpServer  *http.Server
	unsubscribe func()

	// ctx is cancelled on Stop so blocking commands of every client abort.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
}

// NewServer creates a server for ed. Call StartAsync to accept connections;
// Handler serves the same routes without listening.
func NewServer(addr string, ed Editor, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = 200
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 50
	}
	if opts.FocusRate <= 0 {
		opts.FocusRate = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:   addr,
		editor: ed,
		opts:   opts,
		logger: opts.Logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Editor clients are local tools, not browsers on arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*Client]bool),
		broadcast: make(chan Message, channelBufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.unsubscribe = ed.Store().Subscribe(s.onTabEvent)
	return s
}

// Handler returns the HTTP routes: /ws, /health, /metrics and /api/files.
// The broadcaster starts with the first call.
func (s *Server) Handler() http.Handler {
	s.startOnce.Do(func() { go s.runBroadcaster() })

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	if s.opts.Files != nil {
		r.Mount("/api/files", s.opts.Files)
	}
	return r
}

// StartAsync starts serving in a goroutine. The returned channel receives nil
// once the listener is bound, or the error that prevented it.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Listen first so a port conflict is reported before returning.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve", zap.Error(err))
		}
	}()
	return errCh
}

// Stop closes every client, stops the broadcaster and shuts down the HTTP
// server. Blocking commands still running are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)

	// Safe because Broadcast checks stopped under the same lock.
	close(s.broadcast)
	srv := s.httpServer
	s.mu.Unlock()

	s.unsubscribe()
	s.cancel()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
