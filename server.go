/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the Service lifecycle state of spec §6.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Builder assembles a Server the way spec §6's registration API describes:
// a chain of setters over a registry, thread-pool sizing, TLS, and the two
// optional pipeline hooks (URL rewriter, exception handler), plus the
// modifyChannelPipeline escape hatch for extra processing stages.
type Builder struct {
	registry             *Registry
	host                 string
	port                 int
	chunkMemoryLimit     int64
	exceptionHandler     ExceptionHandler
	urlRewriter          URLRewriter
	tlsConfig            *tls.Config
	bossThreadPoolSize   int
	workerThreadPoolSize int
	execThreadPoolSize   int
	gracePeriod          time.Duration
	stages               []func(http.Handler) http.Handler
	logger               *slog.Logger
}

// NewBuilder creates a Builder with the framework's defaults: a 10 MiB
// aggregation cap, host "0.0.0.0", port 8080, and no bound on concurrent
// handler invocations.
func NewBuilder() *Builder {
	return &Builder{
		registry:         NewRegistry(),
		host:             "0.0.0.0",
		port:             8080,
		chunkMemoryLimit: defaultChunkMemoryLimit,
		gracePeriod:      30 * time.Second,
	}
}

// Registry returns the Builder's Registry for resource declaration.
func (b *Builder) Registry() *Registry { return b.registry }

// SetHost sets the bind host.
func (b *Builder) SetHost(h string) *Builder { b.host = h; return b }

// SetPort sets the bind port.
func (b *Builder) SetPort(p int) *Builder { b.port = p; return b }

// SetHTTPChunkLimit sets the aggregation cap in bytes for aggregating
// handlers. Zero or negative means unlimited.
func (b *Builder) SetHTTPChunkLimit(limit int64) *Builder { b.chunkMemoryLimit = limit; return b }

// SetExceptionHandler installs a custom exception translator.
func (b *Builder) SetExceptionHandler(eh ExceptionHandler) *Builder {
	b.exceptionHandler = eh
	return b
}

// SetURLRewriter installs the single optional pre-routing URL rewriter.
func (b *Builder) SetURLRewriter(rw URLRewriter) *Builder {
	b.urlRewriter = rw
	return b
}

// EnableSSL turns on TLS for the listener.
func (b *Builder) EnableSSL(cfg *tls.Config) *Builder { b.tlsConfig = cfg; return b }

// ModifyPipeline registers an escape-hatch stage wrapping the core dispatch
// handler. Stages are applied outermost-last: the first stage registered is
// the outermost wrapper. This is where optional cross-cutting stages (CORS,
// gzip, rate limiting, JWT claim extraction, security headers) attach — not
// as per-route middleware, but uniformly ahead of routing.
func (b *Builder) ModifyPipeline(stage func(http.Handler) http.Handler) *Builder {
	b.stages = append(b.stages, stage)
	return b
}

// SetBossThreadPoolSize records the accept-loop pool size. net/http's
// Listener.Accept runs a single goroutine regardless, so this has no
// behavioral effect; it is retained for builder-surface parity and
// observability via Server.PoolConfig().
func (b *Builder) SetBossThreadPoolSize(n int) *Builder { b.bossThreadPoolSize = n; return b }

// SetWorkerThreadPoolSize records the per-connection I/O worker pool size.
// net/http spawns one goroutine per accepted connection rather than
// drawing from a fixed pool; this is retained for the same reason as
// SetBossThreadPoolSize.
func (b *Builder) SetWorkerThreadPoolSize(n int) *Builder { b.workerThreadPoolSize = n; return b }

// SetExecThreadPoolSize bounds the number of handler invocations that may
// run concurrently across the whole server. Zero (the default) means
// unbounded — handlers run directly on their connection's goroutine.
func (b *Builder) SetExecThreadPoolSize(n int) *Builder { b.execThreadPoolSize = n; return b }

// SetGracePeriod bounds how long Stop waits for in-flight requests to drain
// before forcing the listener closed.
func (b *Builder) SetGracePeriod(d time.Duration) *Builder { b.gracePeriod = d; return b }

// SetLogger installs the slog.Logger used for request/lifecycle logging.
// nil (the default) falls back to slog.Default().
func (b *Builder) SetLogger(l *slog.Logger) *Builder { b.logger = l; return b }

// FromConfig seeds host, port, chunk limit, thread-pool sizes, TLS, and rate
// limiting from a loaded Config (see config.go). A malformed TLS key pair is
// a fatal configuration error caught here at startup, the same way
// ResourceBuilder.Handle panics on a malformed path pattern rather than
// deferring the failure to request time. An unreachable configured Redis
// rate-limit store is not fatal: FromConfig logs a warning and falls back
// to RateLimit's in-process default, the same degrade-rather-than-block
// philosophy RateLimit itself applies to a store that errors mid-request.
func (b *Builder) FromConfig(cfg *Config) *Builder {
	if cfg.Host != "" {
		b.host = cfg.Host
	}
	if cfg.Port != 0 {
		b.port = cfg.Port
	}
	if cfg.ChunkMemoryLimit != 0 {
		b.chunkMemoryLimit = cfg.ChunkMemoryLimit
	}
	if cfg.BossThreadPoolSize != 0 {
		b.bossThreadPoolSize = cfg.BossThreadPoolSize
	}
	if cfg.WorkerThreadPoolSize != 0 {
		b.workerThreadPoolSize = cfg.WorkerThreadPoolSize
	}
	if cfg.ExecThreadPoolSize != 0 {
		b.execThreadPoolSize = cfg.ExecThreadPoolSize
	}
	if cfg.GracePeriod != 0 {
		b.gracePeriod = cfg.GracePeriod
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			panic("waypoint: loading TLS certificate from config: " + err.Error())
		}
		b.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if cfg.RateLimit.Rate > 0 {
		store, err := RateLimitStoreFromConfig(cfg)
		if err != nil {
			logger := b.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("waypoint: rate limit store from config unavailable, falling back to in-process store", slog.Any("err", err))
			store = nil
		}
		b.ModifyPipeline(RateLimit(RateLimitConfig{
			Rate:  cfg.RateLimit.Rate,
			Burst: cfg.RateLimit.Burst,
			Store: store,
		}))
	}
	return b
}

// Build finalizes the Server in the NEW state (spec §6). The Registry
// becomes immutable from this point: Server never calls back into it for
// mutation, only Match.
func (b *Builder) Build() *Server {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:         b.registry,
		host:             b.host,
		port:             b.port,
		chunkMemoryLimit: b.chunkMemoryLimit,
		exceptionHandler: b.exceptionHandler,
		urlRewriter:      b.urlRewriter,
		tlsConfig:        b.tlsConfig,
		bossPoolSize:     b.bossThreadPoolSize,
		workerPoolSize:   b.workerThreadPoolSize,
		execPoolSize:     b.execThreadPoolSize,
		gracePeriod:      b.gracePeriod,
		stages:           append([]func(http.Handler) http.Handler{}, b.stages...),
		logger:           logger,
	}
	s.state.Store(int32(StateNew))
	if s.execPoolSize > 0 {
		s.execSem = make(chan struct{}, s.execPoolSize)
	}
	return s
}

// Server is the bound, runnable framework instance produced by Builder.
// Its registry is read-only after Build: no locking is needed on the
// request hot path (spec §5).
type Server struct {
	registry         *Registry
	host             string
	port             int
	chunkMemoryLimit int64
	exceptionHandler ExceptionHandler
	urlRewriter      URLRewriter
	tlsConfig        *tls.Config
	bossPoolSize     int
	workerPoolSize   int
	execPoolSize     int
	execSem          chan struct{}
	gracePeriod      time.Duration
	stages           []func(http.Handler) http.Handler
	logger           *slog.Logger

	state      atomic.Int32
	httpServer *http.Server
	listener   net.Listener
	closers    []func() error
	closersMu  sync.Mutex
	inFlight   sync.WaitGroup
}

// poolConfig is a snapshot of the pool-sizing and limit values this Server
// was built with, for observability.
type poolConfig struct {
	BossThreadPoolSize   int
	WorkerThreadPoolSize int
	ExecThreadPoolSize   int
	ChunkMemoryLimit     int64
}

// PoolConfig reports the thread-pool sizing this Server was built with.
func (s *Server) PoolConfig() (boss, worker, exec int, chunkLimit int64) {
	return s.bossPoolSize, s.workerPoolSize, s.execPoolSize, s.chunkMemoryLimit
}

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// addCloser registers a cleanup function run during Stop, after the
// listener and in-flight requests have drained. No stage in this package
// registers one: the eviction goroutine of the RateLimit stage's default
// in-process store is not registered here.
func (s *Server) addCloser(fn func() error) {
	s.closersMu.Lock()
	defer s.closersMu.Unlock()
	s.closers = append(s.closers, fn)
}

// handler builds the final http.Handler: the core dispatch wrapped by every
// registered pipeline stage, outermost-first.
func (s *Server) handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.serveHTTP)
	for i := len(s.stages) - 1; i >= 0; i-- {
		h = s.stages[i](h)
	}
	return h
}

// ServeHTTP implements http.Handler, running the full pipeline-stage chain
// ahead of routing. It lets tests and embedding callers exercise the
// complete request pipeline through httptest without binding a real
// listener; Start uses the same handler() chain for the bound socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler().ServeHTTP(w, r)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	resp := newResponder(w, r)
	bareReq := newRequest(r, nil, s.chunkMemoryLimit)

	if s.urlRewriter != nil {
		if cont := s.urlRewriter.Rewrite(bareReq, resp); !cont {
			return
		}
	}

	entry, groups, err := s.registry.Match(r.Method, r.URL.Path)
	if err != nil {
		p := &requestPipeline{server: s, req: newRequest(r, nil, s.chunkMemoryLimit), resp: resp}
		p.fail(err)
		return
	}

	req := newRequest(r, groups, s.chunkMemoryLimit)
	p := &requestPipeline{server: s, entry: entry, req: req, resp: resp}

	if s.execSem != nil {
		s.execSem <- struct{}{}
		defer func() { <-s.execSem }()
	}
	p.run()
}

// Start binds the listener and begins serving. It returns once the
// listener is bound and the serve loop has been launched (State becomes
// RUNNING); Serve (or ServeTLS) itself runs in a background goroutine.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("waypoint: Start called from state %s, want NEW", s.State())
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(int32(StateNew))
		return err
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.handler(),
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 30 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		var serveErr error
		if s.tlsConfig != nil {
			serveErr = s.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if !errors.Is(serveErr, http.ErrServerClosed) {
			serveErrCh <- serveErr
		}
		close(serveErrCh)
	}()

	s.state.Store(int32(StateRunning))
	s.logger.Info("waypoint: server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop stops accepting new connections, waits (bounded by the configured
// grace period) for in-flight requests to finish, then runs every closer
// registered through addCloser. Goroutines a pipeline stage starts on its
// own are not stopped: the eviction goroutine of a RateLimit stage's
// default in-process store (including the one FromConfig attaches) keeps
// running after Stop returns.
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("waypoint: Stop called from state %s, want RUNNING", s.State())
	}
	defer s.state.Store(int32(StateTerminated))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.gracePeriod)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
	}

	s.closersMu.Lock()
	closers := s.closers
	s.closersMu.Unlock()
	for _, c := range closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("waypoint: server stopped")
	return firstErr
}

// RunUntilSignal starts the server and blocks until SIGINT/SIGTERM, then
// stops it gracefully. It is a convenience for cmd/main-style callers; it
// is not part of the Service lifecycle contract itself.
func (s *Server) RunUntilSignal() error {
	if err := s.Start(); err != nil {
		return err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	s.logger.Info("waypoint: shutdown signal received", slog.String("signal", sig.String()))
	return s.Stop(context.Background())
}
