// Package integration provides a reusable test harness for end-to-end
// testing of the encounters daemon. It starts a full HTTP server over a real
// store, the definition publisher and, optionally, a Redis-backed lock.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/encounters/encounter"
	"github.com/pitabwire/encounters/internal/config"
	"github.com/pitabwire/encounters/internal/definition"
	"github.com/pitabwire/encounters/internal/idempotency"
	"github.com/pitabwire/encounters/internal/observability"
	"github.com/pitabwire/encounters/internal/transport"
	"github.com/pitabwire/encounters/internal/validators"
)

// TestHarness encapsulates a fully wired daemon for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Config        *config.Config
	Registry      *definition.Registry
	Publisher     *definition.Publisher
	Watcher       *definition.Watcher
	Validators    *encounter.ValidatorRegistry
	Store         encounter.Store
	Service       *encounter.Service
	Metrics       *observability.Metrics
	Locker        encounter.Locker
	Idempotency   idempotency.Store
	Redis         *miniredis.Miniredis
	DefinitionDir string
	SqlitePath    string
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	storeDriver string
	redisLock   bool
	hotReload   bool
	idempotency bool
	rules       config.ValidatorsConfig
}

// WithSqliteStore backs the harness with a SQLite file in a temp directory.
func WithSqliteStore() HarnessOption {
	return func(c *harnessConfig) {
		c.storeDriver = config.StoreSqlite
	}
}

// WithRedisLock serialises transitions through a RedisLocker on miniredis.
func WithRedisLock() HarnessOption {
	return func(c *harnessConfig) {
		c.redisLock = true
	}
}

// WithHotReload starts a definition watcher over the harness definitions.
func WithHotReload() HarnessOption {
	return func(c *harnessConfig) {
		c.hotReload = true
	}
}

// WithValidatorRules replaces the default validator rules.
func WithValidatorRules(rules config.ValidatorsConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.rules = rules
	}
}

// WithRedisIdempotency records responses to keyed POSTs in miniredis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
	}
}

// DefaultRules returns the validator rules the testdata definitions use.
func DefaultRules() config.ValidatorsConfig {
	return config.ValidatorsConfig{
		Global: []string{"not_on_hold"},
		Rules: []config.ValidatorRule{
			{
				ID:       "not_on_hold",
				Kind:     config.RuleMetadataFlag,
				Flag:     "on_hold",
				Severity: config.SeverityHard,
				Message:  "encounter is on hold",
			},
			{
				ID:       "parts_available",
				Kind:     config.RuleRequiredMetadata,
				Keys:     []string{"parts_order_id"},
				ToStates: []string{"repairing"},
				Severity: config.SeveritySoft,
			},
		},
	}
}

// NewTestHarness creates and starts a full daemon test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		storeDriver: config.StoreMemory,
		rules:       DefaultRules(),
	}
	for _, opt := range opts {
		opt(hc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &TestHarness{
		t:             t,
		Config:        config.Defaults(),
		DefinitionDir: copyDefinitions(t),
		Metrics:       observability.InitMetrics(prometheus.NewRegistry()),
	}
	h.Config.Definitions.Directories = []string{h.DefinitionDir}
	h.Config.Validators = hc.rules
	h.Config.Server.HandlerTimeout = 10 * time.Second

	// Validators.
	h.Validators = encounter.NewValidatorRegistry()
	if err := validators.NewBuilder(nil).Register(ctx, h.Validators, hc.rules); err != nil {
		t.Fatalf("register validators: %v", err)
	}

	// Store.
	switch hc.storeDriver {
	case config.StoreSqlite:
		h.SqlitePath = filepath.Join(t.TempDir(), "encounters.db")
		store, err := encounter.OpenSqliteStore(ctx, h.SqlitePath, encounter.DefaultSqliteConfig())
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		h.Store = store
	default:
		h.Store = encounter.NewMemoryStore()
	}

	// Definitions.
	loader := definition.NewLoader()
	validator := definition.NewValidator(h.Validators.Has)
	h.Registry = definition.NewRegistry(nil)
	h.Publisher = definition.NewPublisher(loader, validator, h.Registry, h.Config.Definitions.Directories,
		definition.WithUsageChecker(h.Store),
		definition.WithReloadRecorder(h.Metrics),
	)
	if err := h.Publisher.Reload(ctx); err != nil {
		t.Fatalf("initial definition load: %v", err)
	}

	// Lock.
	svcOpts := []encounter.Option{encounter.WithRecorder(h.Metrics)}
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
	}
	var client *redis.Client
	if hc.redisLock || hc.idempotency {
		h.Redis = miniredis.RunT(t)
		client = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
	}
	if hc.idempotency {
		h.Idempotency = idempotency.NewRedisStore(client)
	}
	if hc.redisLock {
		h.Locker = encounter.NewRedisLocker(client, "test:")
		svcOpts = append(svcOpts, encounter.WithLocker(h.Locker, 5*time.Second))
		readiness.Lock = observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	h.Service = encounter.NewService(h.Registry, h.Store, h.Validators, svcOpts...)

	if hc.hotReload {
		h.Watcher = definition.NewWatcher(h.Publisher, h.Config.Definitions.Directories, zap.NewNop())
		h.Watcher.SetDebounce(20 * time.Millisecond)
		if err := h.Watcher.Start(ctx); err != nil {
			t.Fatalf("start watcher: %v", err)
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      h.Config,
		Service:     h.Service,
		Definitions: h.Registry,
		Validator:   validator,
		Metrics:     h.Metrics,
		Readiness:   readiness,
		Idempotency: h.Idempotency,
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the base URL of the test server.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// WriteDefinitionFile writes a definition file into the harness definition
// directory.
func (h *TestHarness) WriteDefinitionFile(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.DefinitionDir, name), []byte(content), 0o644); err != nil {
		h.t.Fatalf("write definition file: %v", err)
	}
}

// --- HTTP client helpers ---

// GET performs a GET request as actor.
func (h *TestHarness) GET(path, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, actor, nil)
}

// POST performs a POST request with a JSON body as actor.
func (h *TestHarness) POST(path string, body any, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, actor, nil)
}

// POSTWithKey sends a POST carrying an Idempotency-Key header.
func (h *TestHarness) POSTWithKey(path string, body any, actor, key string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, actor, http.Header{transport.HeaderIdempotencyKey: []string{key}})
}

func (h *TestHarness) doRequest(method, path string, body any, actor string, header http.Header) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if actor != "" {
		req.Header.Set(transport.HeaderActorID, actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
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
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
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

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Reasons []string `json:"reasons"`
		From    string   `json:"from_state"`
		To      string   `json:"to_state"`
		TraceID string   `json:"trace_id"`
	} `json:"error"`
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// copyDefinitions copies testdata/definitions into a fresh temp directory so
// tests can rewrite files without touching the fixtures.
func copyDefinitions(t *testing.T) string {
	t.Helper()
	src := filepath.Join(testdataDir(), "definitions")
	dst := t.TempDir()

	entries, err := os.ReadDir(src)
	if err != nil {
		t.Fatalf("read testdata definitions: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", e.Name(), err)
		}
	}
	return dst
}
