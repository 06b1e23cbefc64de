package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/dispatch"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/internal/sidecar"
	"github.com/aide-ai/aide/internal/viewmodel"
	"github.com/aide-ai/aide/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Hostname     string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         4096,
		Hostname:     "127.0.0.1",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// ConfigFrom applies the server section of the app config to the defaults.
func ConfigFrom(cfg *types.ServerConfig) *Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	if cfg.Port != 0 {
		c.Port = cfg.Port
	}
	if cfg.Hostname != "" {
		c.Hostname = cfg.Hostname
	}
	if cfg.CORS != nil {
		c.EnableCORS = *cfg.CORS
	}
	return c
}

// Deps are the services the server exposes. Sidecar may be nil, in which
// case agent events are only accepted through the progress endpoint.
type Deps struct {
	AppConfig  *types.Config
	Bus        *event.Bus
	Chat       *chat.Service
	Editing    *editing.Service
	Dispatcher *dispatch.Dispatcher
	Sidecar    *sidecar.Client
}

// Server is the HTTP server.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	appConfig  *types.Config
	bus        *event.Bus
	chat       *chat.Service
	editing    *editing.Service
	dispatcher *dispatch.Dispatcher
	sidecar    *sidecar.Client
	log        *zerolog.Logger

	viewsMu sync.Mutex
	views   map[string]*viewmodel.SessionViewModel

	// agent runs outlive the request that started them
	runCtx   context.Context
	stopRuns context.CancelFunc
	runs     sync.WaitGroup
}

// New creates a new Server instance.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	runCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		appConfig:  deps.AppConfig,
		bus:        deps.Bus,
		chat:       deps.Chat,
		editing:    deps.Editing,
		dispatcher: deps.Dispatcher,
		sidecar:    deps.Sidecar,
		log:        logging.Component("server"),
		views:      make(map[string]*viewmodel.SessionViewModel),
		runCtx:     runCtx,
		stopRuns:   stop,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through the component logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Hostname, s.config.Port)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.Info().Str("addr", s.Addr()).Msg("listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running agent exchanges and
// releases view models.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.stopRuns()
	s.runs.Wait()

	s.viewsMu.Lock()
	for id, v := range s.views {
		v.Dispose()
		delete(s.views, id)
	}
	s.viewsMu.Unlock()
	return err
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// view returns the cached view model of a session, creating it on first use.
func (s *Server) view(model *chat.Model) *viewmodel.SessionViewModel {
	s.viewsMu.Lock()
	defer s.viewsMu.Unlock()
	if v, ok := s.views[model.ID()]; ok {
		return v
	}
	var opts []viewmodel.Option
	if s.editing != nil {
		opts = append(opts, viewmodel.WithEditing(s.editing.StartOrContinue(model.ID())))
	}
	v := viewmodel.New(model, opts...)
	s.views[model.ID()] = v
	return v
}

func (s *Server) dropView(sessionID string) {
	s.viewsMu.Lock()
	defer s.viewsMu.Unlock()
	if v, ok := s.views[sessionID]; ok {
		v.Dispose()
		delete(s.views, sessionID)
	}
}
