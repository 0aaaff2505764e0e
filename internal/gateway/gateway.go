// ABOUTME: Gateway orchestrator that coordinates the HTTP/WebSocket and gRPC servers
// ABOUTME: Wires archive, store, registry, relay engine and transport; owns their lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/support-relay/internal/auth"
	"github.com/2389/support-relay/internal/config"
	"github.com/2389/support-relay/internal/dedupe"
	"github.com/2389/support-relay/internal/relay"
	"github.com/2389/support-relay/internal/session"
	"github.com/2389/support-relay/internal/store"
	"github.com/2389/support-relay/internal/transport"
)

// AgentsHealthService is the gRPC health service name that reports SERVING
// only while at least one agent is connected.
const AgentsHealthService = "support.relay.agents"

// Gateway orchestrates the support-relay server components.
type Gateway struct {
	config      *config.Config
	store       *store.MemoryStore
	archive     store.Archive
	recorder    *store.Recorder
	registry    *session.Registry
	engine      *relay.Engine
	hub         *transport.Hub
	dedupe      *dedupe.Cache
	jwtVerifier *auth.JWTVerifier
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initArchive opens the configured archive and loads its contents.
// An empty database path returns a nil archive (memory only).
func initArchive(cfg *config.Config, logger *slog.Logger) (store.Archive, *store.Snapshot, error) {
	if cfg.Database.Path == "" {
		logger.Warn("database.path not set - conversations are kept in memory only")
		return nil, nil, nil
	}

	archive, err := store.NewSQLiteArchive(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing archive: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := archive.Load(ctx)
	if err != nil {
		_ = archive.Close()
		return nil, nil, fmt.Errorf("loading archive: %w", err)
	}
	return archive, snap, nil
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer(healthSrv *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthSrv)
	return server
}

// createVerifier returns the agent token verifier, or nil when auth is disabled.
func createVerifier(cfg *config.Config, logger *slog.Logger) (*auth.JWTVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, any connection may register as agent")
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("agent authentication enabled (JWT)")
	return verifier, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := createVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	archive, snap, err := initArchive(cfg, logger)
	if err != nil {
		return nil, err
	}

	var recorder *store.Recorder
	if archive != nil {
		recorder = store.NewRecorder(archive, logger)
	}

	memStore := store.NewMemoryStore(store.Options{
		MaxTextLength: cfg.Relay.MaxTextLength,
		Recorder:      recorder,
		Logger:        logger,
	})
	memStore.Hydrate(snap)

	registry := session.NewRegistry(memStore, logger)
	dedupeCache := dedupe.New(cfg.Relay.ReplayTTL, cfg.Relay.ReplayMaxEntries)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthSrv.SetServingStatus(AgentsHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	gw := &Gateway{
		config:      cfg,
		store:       memStore,
		archive:     archive,
		recorder:    recorder,
		registry:    registry,
		dedupe:      dedupeCache,
		jwtVerifier: verifier,
		health:      healthSrv,
		grpcServer:  createGRPCServer(healthSrv),
		logger:      logger.With("component", "gateway"),
	}

	gw.engine = relay.NewEngine(memStore, registry, nil, relay.Options{
		Dedupe:   dedupeCache,
		Observer: gw,
		Logger:   logger,
	})
	gw.hub = transport.NewHub(gw.engine, transport.Options{
		OutboundBuffer: cfg.Relay.OutboundBuffer,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		PingInterval:   cfg.Relay.PingInterval,
		ReadLimit:      cfg.Relay.MaxMessageBytes,
		OriginPatterns: cfg.Relay.AllowedOrigins,
		Logger:         logger,
	})
	gw.engine.SetSender(gw.hub)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Sockets: /ws is open to clients (and to agents when they carry a token
	// or auth is disabled); /ws/agent always requires agent credentials.
	mux.Handle("GET /ws", auth.OptionalAgentMiddleware(g.verifier())(http.HandlerFunc(g.handleSocket)))
	mux.Handle("GET /ws/agent", auth.AgentMiddleware(g.verifier())(http.HandlerFunc(g.handleAgentSocket)))

	// API endpoints - agent auth required if JWT secret is configured
	requireAgent := auth.AgentMiddleware(g.verifier())
	mux.Handle("GET /api/conversations", requireAgent(http.HandlerFunc(g.handleConversations)))
	mux.Handle("GET /api/conversations/{clientId}", requireAgent(http.HandlerFunc(g.handleConversation)))
	mux.HandleFunc("GET /api/stats", g.handleStats)

	return mux
}

// verifier returns the token verifier as an interface, nil when auth is off.
// A typed nil pointer must not leak into the middleware's nil check.
func (g *Gateway) verifier() auth.TokenVerifier {
	if g.jwtVerifier == nil {
		return nil
	}
	return g.jwtVerifier
}

// Handler returns the HTTP handler serving sockets, health and API routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// AgentsChanged implements relay.AgentObserver.
func (g *Gateway) AgentsChanged(count int) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if count > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(AgentsHealthService, status)
	g.logger.Debug("agent count changed", "agents", count)
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	peer := transport.Peer{
		AgentAllowed: g.jwtVerifier == nil || authCtx.IsAgent(),
	}
	if authCtx != nil {
		peer.Principal = authCtx.PrincipalID
	}
	g.hub.Serve(w, r, peer)
}

func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	peer := transport.Peer{AgentAllowed: true}
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		peer.Principal = authCtx.PrincipalID
	}
	g.logger.Info("agent socket opened", "principal", peer.Principal, "remote", r.RemoteAddr)
	g.hub.Serve(w, r, peer)
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC. grpcLn is nil when server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting relay",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "support-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// Ports the relay uses on its tailnet address.
const (
	tailnetGRPCAddr  = ":50051"
	tailnetHTTPAddr  = ":80"
	tailnetHTTPSAddr = ":443"
)

// tailnet is the part of *tsnet.Server that listener selection needs.
type tailnet interface {
	Listen(network, addr string) (net.Listener, error)
	ListenFunnel(network, addr string, opts ...tsnet.FunnelOption) (net.Listener, error)
}

// certLookup serves the node's auto-provisioned certificates.
type certLookup func(*tls.ClientHelloInfo) (*tls.Certificate, error)

// tsnetCerts resolves certificates through the node's local API client.
func tsnetCerts(s *tsnet.Server) func() (certLookup, error) {
	return func() (certLookup, error) {
		lc, err := s.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return lc.GetCertificate, nil
	}
}

// setupTailscaleListeners brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)

	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, httpLn, err = listenOnTailnet(node, tsCfg, tsnetCerts(node), g.logger)
	if err != nil {
		_ = node.Close()
		return nil, nil, err
	}
	g.tsnetServer = node
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// listenOnTailnet opens the gRPC health listener and the HTTP listener on
// node. Funnel wins over HTTPS; without either the relay serves plain HTTP.
// Listeners opened before a failure are closed again.
func listenOnTailnet(node tailnet, tsCfg config.TailscaleConfig, certs func() (certLookup, error), logger *slog.Logger) (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = node.Listen("tcp", tailnetGRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	switch {
	case tsCfg.Funnel:
		logger.Info("serving public HTTPS through tailscale funnel", "addr", tailnetHTTPSAddr)
		httpLn, err = node.ListenFunnel("tcp", tailnetHTTPSAddr)
	case tsCfg.HTTPS:
		logger.Info("serving HTTPS with tailscale certificates", "addr", tailnetHTTPSAddr)
		httpLn, err = listenTLS(node, certs)
	default:
		logger.Info("serving plain HTTP on the tailnet", "addr", tailnetHTTPAddr)
		httpLn, err = node.Listen("tcp", tailnetHTTPAddr)
	}
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func listenTLS(node tailnet, certs func() (certLookup, error)) (net.Listener, error) {
	getCert, err := certs()
	if err != nil {
		return nil, err
	}
	ln, err := node.Listen("tcp", tailnetHTTPSAddr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources. Live sockets
// are closed first so every disconnect is processed before the archive is
// drained. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down relay")
		g.health.Shutdown()

		// Hijacked WebSocket connections are not tracked by http.Server.
		// Close waits for their in-flight events so the recorder sees them.
		var errs []error
		errs = appendCloseError(errs, "hub close", g.hub.Close(ctx))
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.shutdownGRPCServer(ctx)

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}

		g.dedupe.Close()
		errs = appendCloseError(errs, "recorder drain", g.recorder.Close(ctx))
		if g.archive != nil {
			errs = appendCloseError(errs, "archive close", g.archive.Close())
		}

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}
