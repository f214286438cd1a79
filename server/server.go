// Package server exposes a urlcache.Cache over HTTP.
//
//	GET  /urls?key=K         -> 200 {"url","expiresAt"} | 400 | 502 | 503 | 504
//	POST /urls/batch         {"keys":[...]} -> 200 {"results":{k:url},"failed":[...]}
//	POST /urls/invalidate    {"key":K} -> 204 | 400 | 503
//	GET  /healthz            -> 200
//	GET  /metrics            Prometheus exposition (when a gatherer is set)
package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/unkn0wn-root/urlcache"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultIOTimeout      = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	maxBodySize           = 1 << 20

	headerRequestID = "X-Request-ID"
)

var ErrServerRunning = errors.New("server: already running")

type Config struct {
	Addr           string
	RequestTimeout time.Duration // bound on one cache call; 0 => 30s
	ReadTimeout    time.Duration // 0 => 15s
	WriteTimeout   time.Duration // 0 => 15s
	IdleTimeout    time.Duration // 0 => 60s
	// Gatherer backs GET /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cache    urlcache.Cache
	log      urlcache.Logger
	cfg      Config
	validate *validator.Validate
	metrics  fasthttp.RequestHandler

	srv     *fasthttp.Server
	running atomic.Bool
}

func New(c urlcache.Cache, cfg Config, log urlcache.Logger) *Server {
	if log == nil {
		log = urlcache.NopLogger{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultIOTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultIOTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	s := &Server{
		cache:    c,
		log:      log,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if cfg.Gatherer != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.srv = &fasthttp.Server{
		Handler:                      s.Handler(),
		Name:                         "urlcached",
		ReadTimeout:                  cfg.ReadTimeout,
		WriteTimeout:                 cfg.WriteTimeout,
		IdleTimeout:                  cfg.IdleTimeout,
		MaxRequestBodySize:           maxBodySize,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}
	return s
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	s.log.Info("http server started", urlcache.Fields{"addr": ln.Addr().String()})
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.srv.ShutdownWithContext(ctx)
	if err != nil {
		s.log.Warn("http server stop timeout", urlcache.Fields{"err": err})
		return err
	}
	s.log.Info("http server stopped", nil)
	return nil
}

// Handler routes requests; exported for embedding in another fasthttp server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		rid := string(ctx.Request.Header.Peek(headerRequestID))
		if rid == "" {
			rid = uuid.New().String()
		}
		ctx.Response.Header.Set(headerRequestID, rid)

		s.route(ctx)

		s.log.Debug("http request", urlcache.Fields{
			"request_id": rid,
			"method":     string(ctx.Method()),
			"path":       string(ctx.Path()),
			"status":     ctx.Response.StatusCode(),
			"elapsed":    time.Since(start),
		})
	}
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	switch path := string(ctx.Path()); {
	case path == "/urls" && method == fasthttp.MethodGet:
		s.handleGet(ctx)
	case path == "/urls/batch" && method == fasthttp.MethodPost:
		s.handleBatch(ctx)
	case path == "/urls/invalidate" && method == fasthttp.MethodPost:
		s.handleInvalidate(ctx)
	case path == "/healthz" && method == fasthttp.MethodGet:
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case path == "/metrics" && method == fasthttp.MethodGet && s.metrics != nil:
		s.metrics(ctx)
	case path == "/urls" || path == "/urls/batch" || path == "/urls/invalidate":
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "encode response")
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(b)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	b, _ := sonic.Marshal(errorResponse{Error: msg})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(b)
}
