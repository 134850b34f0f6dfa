// Package integration provides a reusable test harness for end-to-end
// integration testing of the docflow server. It starts a full HTTP server
// with in-memory stores, a test JWT issuer and, on request, an embedded NATS
// server and an in-process Redis.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/docflow/internal/config"
	"github.com/pitabwire/docflow/internal/definition"
	"github.com/pitabwire/docflow/internal/events"
	"github.com/pitabwire/docflow/internal/idempotency"
	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/internal/role"
	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/internal/transport"
	"github.com/pitabwire/docflow/internal/workflow"
)

// TestHarness encapsulates a fully wired docflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry  *definition.Registry
	Store     *store.MemoryStore
	Content   *store.MemoryContentStore
	Directory *role.StaticDirectory
	Service   *workflow.Service
	Metrics   *observability.Metrics
	Gatherer  *prometheus.Registry

	// Set by WithEvents.
	NATS *nats.Conn
	// Set by WithIdempotency.
	Redis *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	idempotencyEnabled bool
	eventsEnabled      bool
	handlerTimeout     time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithIdempotency enables X-Idempotency-Key handling backed by an
// in-process Redis.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithEvents publishes transition events to an embedded NATS server.
func WithEvents() HarnessOption {
	return func(c *harnessConfig) {
		c.eventsEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full docflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir, "definitions")}
	}

	logger := zaptest.NewLogger(t)
	h := &TestHarness{t: t}

	// Step 1: Roles and definitions.
	gate := role.NewGate(role.DefaultAliases())
	defs, err := definition.LoadAndValidate(hc.definitionDirs, definition.NewValidator(gate))
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	h.Registry = definition.NewRegistry(defs)

	h.Directory, err = role.NewStaticDirectory(filepath.Join(testdataDir, "directory.yaml"))
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}

	// Step 2: Metrics on a private registry.
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)
	resolver := role.NewResolver(h.Directory, 0, h.Metrics) // no caching in tests

	// Step 3: In-memory stores.
	h.Store = store.NewMemoryStore()
	h.Content = store.NewMemoryContentStore()

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
		Store:             h.Store,
	}

	// Step 4: Optional event bus.
	var managerOpts []workflow.Option
	managerOpts = append(managerOpts, workflow.WithLogger(logger))
	if hc.eventsEnabled {
		ns := startNATS(t)
		conn, err := events.Connect(ns.ClientURL(), "docflow-harness", logger)
		if err != nil {
			t.Fatalf("connect to nats: %v", err)
		}
		pub := events.NewPublisher(conn, events.DefaultSubjectPrefix,
			events.WithObserver(h.Metrics),
			events.WithLogger(logger))
		t.Cleanup(func() { _ = pub.Close() })
		managerOpts = append(managerOpts, workflow.WithPublisher(pub))
		readiness.EventBus = pub

		h.NATS, err = nats.Connect(ns.ClientURL())
		if err != nil {
			t.Fatalf("connect subscriber: %v", err)
		}
		t.Cleanup(h.NATS.Close)
	}

	// Step 5: Optional idempotency store.
	var idem idempotency.Store
	if hc.idempotencyEnabled {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		rs := idempotency.NewRedisStore(client)
		idem = rs
		readiness.IdempotencyStore = rs
	}

	// Step 6: Engine.
	manager := workflow.NewManager(h.Registry, h.Store, gate, managerOpts...)
	h.Service = workflow.NewService(manager, h.Store, h.Content, resolver,
		workflow.WithMetrics(h.Metrics),
		workflow.WithServiceLogger(logger))

	// Step 7: JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}
	h.cfg.Idempotency.Enabled = hc.idempotencyEnabled
	h.cfg.Observability.Metrics.Enabled = false

	// Step 8: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Service:      h.Service,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Logger:       logger,
		Metrics:      h.Metrics,
		Readiness:    readiness,
		Idempotency:  idem,
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Token creates a valid JWT for actorID.
func (h *TestHarness) Token(actorID string) string {
	return h.issuer.GenerateToken(TestClaims{
		SubjectID: actorID,
		Email:     actorID + "@docflow.example.com",
	})
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Subscribe collects every event published under subject until the test
// ends.
func (h *TestHarness) Subscribe(subject string) chan *nats.Msg {
	h.t.Helper()
	if h.NATS == nil {
		h.t.Fatal("Subscribe requires WithEvents")
	}
	ch := make(chan *nats.Msg, 64)
	sub, err := h.NATS.ChanSubscribe(subject, ch)
	if err != nil {
		h.t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := h.NATS.Flush(); err != nil {
		h.t.Fatalf("flush subscription: %v", err)
	}
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
