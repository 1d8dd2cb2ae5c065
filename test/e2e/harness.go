// Package e2e boots the full Agent Spy wiring and exercises it over real
// HTTP, gRPC, and WebSocket connections.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentspy-io/agentspy/pkg/api"
	"github.com/agentspy-io/agentspy/pkg/cache"
	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/database"
	"github.com/agentspy-io/agentspy/pkg/events"
	"github.com/agentspy-io/agentspy/pkg/otlp"
	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/session"
	"github.com/agentspy-io/agentspy/pkg/storage"
	"github.com/agentspy-io/agentspy/test/util"
)

// TestApp boots a complete Agent Spy instance for e2e testing.
type TestApp struct {
	// Core
	Config   *config.Config
	DBClient *database.Client

	// Real infrastructure
	Hub             *events.Hub
	RunService      *services.RunService
	FeedbackService *services.FeedbackService
	Receiver        *otlp.Receiver
	Broadcaster     *services.StatsBroadcaster
	Server          *api.Server

	// Runtime
	BaseURL  string // e.g. "http://127.0.0.1:54321"
	WSURL    string // e.g. "ws://127.0.0.1:54321/ws"
	GRPCAddr string // e.g. "127.0.0.1:54322"; empty unless WithOTLPGRPC

	apiKey string // attached to every helper request when non-empty

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg           *config.Config
	dbClient      *database.Client
	apiKeys       []string
	statsInterval time.Duration
	otlpGRPC      bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithAPIKeys enables authentication with the given keys. Helper requests
// send the first key automatically.
func WithAPIKeys(keys ...string) TestAppOption {
	return func(c *testAppConfig) { c.apiKeys = keys }
}

// WithDatabase runs the app against an existing database client instead of
// provisioning a fresh schema. Lets a test boot two replicas sharing one
// PostgreSQL, the way a load-balanced deployment would. The owning app's
// cleanup drops the schema; replicas must be created with the same t.
func WithDatabase(dbClient *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = dbClient }
}

// WithStatsBroadcast starts the stats broadcaster on the given interval.
// Without this option no stats.updated frames are published.
func WithStatsBroadcast(interval time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.statsInterval = interval }
}

// WithOTLPGRPC starts the OTLP gRPC receiver on an ephemeral port,
// published as app.GRPCAddr.
func WithOTLPGRPC() TestAppOption {
	return func(c *testAppConfig) { c.otlpGRPC = true }
}

// NewTestApp creates and starts a full Agent Spy test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	// Apply options.
	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	// Default config if not provided.
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if len(tc.apiKeys) > 0 {
		tc.cfg.RequireAuth = true
		tc.cfg.APIKeys = tc.apiKeys
	}
	if tc.statsInterval > 0 {
		tc.cfg.StatsInterval = tc.statsInterval
	}

	// 1. Database — fresh schema per test, migrations applied, unless the
	// test wires a shared one.
	dbClient := tc.dbClient
	if dbClient == nil {
		dbClient = util.SetupTestClient(t)
	}

	// 2. Event hub.
	hub := events.NewHub(tc.cfg.WSBufferSize)

	// 3. Stores and domain services.
	runStore := storage.NewRunStore(dbClient.DB())
	feedbackStore := storage.NewFeedbackStore(dbClient.DB())
	runService := services.NewRunService(runStore, hub, cache.NewMemoryCache(), tc.cfg)
	feedbackService := services.NewFeedbackService(feedbackStore)

	ctx := context.Background()

	// 4. Stats broadcaster, only when a test opted in.
	var broadcaster *services.StatsBroadcaster
	if tc.statsInterval > 0 {
		broadcaster = services.NewStatsBroadcaster(runService, hub, tc.statsInterval)
		broadcaster.Start(ctx)
	}

	// 5. OTLP receiver. HTTP always mounts on the API server; gRPC binds
	// an ephemeral port only when requested.
	receiver := otlp.NewReceiver(runService, tc.cfg)
	grpcAddr := ""
	if tc.otlpGRPC {
		grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		receiver.ServeGRPC(grpcLn)
		grpcAddr = grpcLn.Addr().String()
	}

	// 6. HTTP server on a random port.
	server := api.NewServer(tc.cfg, dbClient, runService, feedbackService,
		hub, session.NewMemoryStore())
	server.SetOTLPHandler(receiver)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:          tc.cfg,
		DBClient:        dbClient,
		Hub:             hub,
		RunService:      runService,
		FeedbackService: feedbackService,
		Receiver:        receiver,
		Broadcaster:     broadcaster,
		Server:          server,
		BaseURL:         fmt.Sprintf("http://%s", addr),
		WSURL:           fmt.Sprintf("ws://%s/ws", addr),
		GRPCAddr:        grpcAddr,
		t:               t,
	}
	if len(tc.apiKeys) > 0 {
		app.apiKey = tc.apiKeys[0]
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		if broadcaster != nil {
			broadcaster.Stop()
		}
		receiver.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		hub.Close()
		// DB cleanup handled by util.SetupTestClient
	})

	return app
}

// defaultTestConfig creates a config suitable for tests that don't provide
// their own. Tests typically tweak single fields via WithConfig.
func defaultTestConfig() *config.Config {
	return &config.Config{
		OTLPHTTPPath:   "/v1/traces",
		MaxTraceSizeMB: 10,
		RequestTimeout: 30 * time.Second,
		CORSOrigins:    []string{"*"},
		WSPingInterval: 30 * time.Second,
		WSBufferSize:   256,
		WSMaxDropped:   1024,
		StatsInterval:  time.Hour,
		StatsWindow:    24 * time.Hour,
	}
}
