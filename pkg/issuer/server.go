// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package issuer assembles the trust core into a runnable server: storage,
// signing keys, the client registry, grants, the token issuer, the request
// validator, the admin service, periodic maintenance and the HTTP routes.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/stacklok/ltiauth/pkg/issuer/admin"
	"github.com/stacklok/ltiauth/pkg/issuer/cleanup"
	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/grants"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/server/handlers"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/issuer/token"
	"github.com/stacklok/ltiauth/pkg/issuer/validation"
	"github.com/stacklok/ltiauth/pkg/telemetry"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
	defaultShutdownTimeout   = 10 * time.Second
)

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	clock clock.WithTicker
}

// WithClock sets the clock shared by every component and the schedulers.
func WithClock(c clock.WithTicker) Option {
	return func(o *serverOptions) {
		o.clock = c
	}
}

// Server is a fully wired issuer.
type Server struct {
	cfg       Config
	store     storage.Storage
	telemetry *telemetry.Provider
	keys      *keys.Manager
	admin     *admin.Service
	handler   http.Handler

	schedulers []*cleanup.Scheduler

	mu        sync.Mutex
	listener  net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Server over stor. Before returning it runs storage
// migrations, ensures an active signing key exists and registers the
// configured static clients. On success the Server owns stor and closes it
// in Close.
func New(ctx context.Context, cfg Config, stor storage.Storage, opts ...Option) (*Server, error) {
	slog.Debug("creating issuer server", "issuer", cfg.Issuer)

	options := &serverOptions{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(options)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if stor == nil {
		return nil, errors.New("storage is required")
	}

	tp, err := telemetry.NewProvider(telemetry.Config{
		Enabled:               cfg.Metrics.Enabled,
		IncludeRuntimeMetrics: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics provider: %w", err)
	}
	instruments, err := telemetry.NewInstruments(tp.MeterProvider())
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metric instruments: %w", err)
	}

	requestMetrics, err := telemetry.NewHTTPMiddleware(tp.MeterProvider())
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create request metrics: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		store:     stor,
		telemetry: tp,
		ready:     make(chan struct{}),
	}
	if err := s.build(ctx, instruments, requestMetrics, options.clock); err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, err
	}

	slog.Debug("issuer server initialized", "issuer", cfg.Issuer)
	return s, nil
}

func (s *Server) build(
	ctx context.Context,
	instruments *telemetry.Instruments,
	requestMetrics *telemetry.HTTPMiddleware,
	clk clock.WithTicker,
) error {
	cfg := s.cfg
	issuer := strings.TrimSuffix(cfg.Issuer, "/")

	km, err := keys.NewManager(s.store, keys.Config{
		Algorithm:        cfg.Signing.Algorithm,
		RotationInterval: cfg.Signing.RotationInterval,
		RetentionPeriod:  cfg.keyRetention(),
		SyncInterval:     cfg.Signing.CacheSyncInterval,
		BackendTimeout:   cfg.BackendTimeout,
		SeedKeyFile:      cfg.Signing.SeedKeyFile,
	}, keys.WithClock(clk), keys.WithInstruments(instruments))
	if err != nil {
		return fmt.Errorf("failed to create key manager: %w", err)
	}

	registry, err := clients.NewRegistry(s.store, clients.Config{
		AssertionAudiences: []string{issuer + "/oauth/token", issuer},
		ClockSkew:          cfg.ClockSkew,
		BackendTimeout:     cfg.BackendTimeout,
	}, clients.WithClock(clk), clients.WithInstruments(instruments))
	if err != nil {
		return fmt.Errorf("failed to create client registry: %w", err)
	}

	grantManager := grants.NewManager(s.store, grants.Config{BackendTimeout: cfg.BackendTimeout}, instruments)

	tokens, err := token.NewIssuer(token.Config{
		Issuer:                    issuer,
		AuthorizationCodeLifetime: cfg.Lifetimes.AuthorizationCode,
		AccessTokenLifetime:       cfg.Lifetimes.AccessToken,
		IDTokenLifetime:           cfg.Lifetimes.IDToken,
		RefreshTokenLifetime:      cfg.Lifetimes.RefreshToken,
		RotateRefreshTokens:       cfg.rotateRefreshTokens(),
		AlwaysIssueRefreshToken:   cfg.Refresh.AlwaysIssue,
	}, registry, km, grantManager, token.WithClock(clk), token.WithInstruments(instruments))
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	validator, err := validation.NewValidator(validation.Config{
		Issuer:    issuer,
		ClockSkew: cfg.ClockSkew,
	}, km,
		validation.WithClock(clk),
		validation.WithInstruments(instruments),
		validation.WithRevocationCheck(grantManager),
	)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	s.keys = km
	s.admin = admin.NewService(registry, km)

	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	h, err := handlers.NewHandler(handlers.Config{
		Issuer:        issuer,
		SubjectHeader: cfg.Authorize.SubjectHeader,
		AdminToken:    cfg.Admin.Token,
	}, handlers.Deps{
		Tokens:     tokens,
		Clients:    registry,
		Keys:       km,
		Inspector:  validator,
		Admin:      s.admin,
		Health:     s.store,
		Metrics:    s.telemetry.Handler(),
		Middleware: []func(http.Handler) http.Handler{requestMetrics.Handler},
	})
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}
	s.handler = h.Routes()

	grantCleanup, err := cleanup.NewScheduler(cleanup.Config{
		Interval: cfg.Cleanup.Interval,
		Clock:    clk,
		Task:     cleanup.NewGrantCleanup(grantManager, clk),
	})
	if err != nil {
		return fmt.Errorf("failed to create grant cleanup: %w", err)
	}
	s.schedulers = append(s.schedulers, grantCleanup)

	if cfg.Signing.RotationInterval > 0 {
		rotation, err := cleanup.NewScheduler(cleanup.Config{
			Interval: rotationCheckInterval(cfg.Signing.RotationInterval),
			Clock:    clk,
			Task:     cleanup.NewKeyRotation(km),
		})
		if err != nil {
			return fmt.Errorf("failed to create key rotation: %w", err)
		}
		s.schedulers = append(s.schedulers, rotation)
	}
	return nil
}

// rotationCheckInterval is how often RotateIfDue runs: a tenth of the
// rotation interval, between one second and one hour.
func rotationCheckInterval(rotation time.Duration) time.Duration {
	return min(max(rotation/10, time.Second), time.Hour)
}

// bootstrap prepares storage for serving.
func (s *Server) bootstrap(ctx context.Context) error {
	if err := s.store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate storage: %w", err)
	}
	if err := s.keys.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap signing keys: %w", err)
	}
	n, err := s.admin.EnsureClients(ctx, s.cfg.Clients)
	if err != nil {
		return fmt.Errorf("failed to register static clients: %w", err)
	}
	if n > 0 {
		slog.Info("registered static clients", "count", n)
	}
	return nil
}

// Handler returns the HTTP handler serving every issuer endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Admin returns the administrative service.
func (s *Server) Admin() *admin.Service {
	return s.admin
}

// Ready is closed once Start is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves HTTP on the configured listen address and runs the periodic
// tasks. It blocks until ctx is cancelled or the HTTP server fails, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	for _, sched := range s.schedulers {
		if err := sched.Start(ctx); err != nil {
			_ = listener.Close()
			s.stopSchedulers()
			return fmt.Errorf("failed to start periodic task: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("issuer listening", "address", listener.Addr().String(), "issuer", s.cfg.Issuer)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down issuer")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	s.readyOnce.Do(func() { close(s.ready) })

	err = g.Wait()
	s.stopSchedulers()
	return err
}

func (s *Server) stopSchedulers() {
	for _, sched := range s.schedulers {
		sched.Stop()
	}
}

// Close stops the periodic tasks, flushes metrics and closes storage.
func (s *Server) Close() error {
	slog.Debug("closing issuer server")
	s.stopSchedulers()

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return errors.Join(s.telemetry.Shutdown(ctx), s.store.Close())
}
