package authz

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/brinelog/ingestd/entity"
)

type fakeConfiguration struct {
	flags          map[entity.Flag]bool
	known          map[string]bool
	blacklisted    map[string]bool
	loggerFlags    map[string]map[entity.Flag]bool
	maxItemsInBulk int
	dispatchDelay  time.Duration
	learned        map[string]string
}

func newFakeConfiguration() *fakeConfiguration {
	return &fakeConfiguration{
		flags:       map[entity.Flag]bool{},
		known:       map[string]bool{},
		blacklisted: map[string]bool{},
		loggerFlags: map[string]map[entity.Flag]bool{},
		learned:     map[string]string{},
	}
}

func (c *fakeConfiguration) HasFlag(f entity.Flag) bool     { return c.flags[f] }
func (c *fakeConfiguration) IsKnownLogger(id string) bool   { return c.known[id] }
func (c *fakeConfiguration) IsBlacklisted(id string) bool   { return c.blacklisted[id] }
func (c *fakeConfiguration) HasLoggerFlag(id string, f entity.Flag) bool {
	return c.loggerFlags[id][f]
}
func (c *fakeConfiguration) LoggerLuaScript(id string) (string, bool) { return "", false }
func (c *fakeConfiguration) MaxItemsInBulk() int                      { return c.maxItemsInBulk }
func (c *fakeConfiguration) DispatchDelay() time.Duration             { return c.dispatchDelay }
func (c *fakeConfiguration) UpdateUnknownLoggerUserFromRequest(loggerID string, req *entity.LogRequest) {
	c.learned[loggerID] = req.ClientID
}

type fakeIntegrityTask struct {
	last time.Time
}

func (t *fakeIntegrityTask) LastExecution() time.Time { return t.last }

type fakeRegistry struct {
	cfg      *fakeConfiguration
	clients  map[string]*entity.Client
	task     *fakeIntegrityTask
	lookups  int
}

func (r *fakeRegistry) Configuration() entity.Configuration { return r.cfg }
func (r *fakeRegistry) FindClient(ctx context.Context, clientID string) (*entity.Client, error) {
	r.lookups++
	c, ok := r.clients[clientID]
	if !ok {
		return nil, nil
	}
	return c, nil
}
func (r *fakeRegistry) ClientIntegrityTask() entity.IntegrityTask { return r.task }
func (r *fakeRegistry) StoreLogRecord(ctx context.Context, rec entity.LogRecord) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAliveClient(id string) *entity.Client {
	return &entity.Client{
		ClientID:    id,
		DateCreated: time.Now().Add(-time.Hour),
		Age:         24 * time.Hour,
		Known:       true,
		Tokens: map[string]entity.Token{
			"app": {Value: "T", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
}

func baseRequest(clientID string, dateReceived time.Time) entity.LogRequest {
	return entity.LogRequest{
		LoggerID:     "app",
		Level:        entity.LogLevelInfo,
		Message:      "hi",
		Token:        "T",
		ClientID:     clientID,
		DateReceived: dateReceived,
		Valid:        true,
	}
}

// S5 — blacklisted logger: PolicyError, zero writes.
func TestProcessRequestBlacklistedLogger(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["secret"] = true
	cfg.blacklisted["secret"] = true

	client := newAliveClient("c1")
	client.Tokens["secret"] = entity.Token{Value: "T", ExpiresAt: time.Now().Add(time.Hour)}
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}

	dispatched := 0
	a := New(registry, func(ctx context.Context, req *entity.LogRequest) error {
		dispatched++
		return nil
	}, testLogger())

	req := baseRequest("c1", time.Now())
	req.LoggerID = "secret"
	req.Client = client

	ok := a.ProcessRequest(context.Background(), &req, nil, true)
	if ok {
		t.Fatal("expected ProcessRequest to reject blacklisted logger")
	}
	if dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0", dispatched)
	}
}

// S6 — expired token: AuthError, zero writes.
func TestProcessRequestExpiredToken(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["app"] = true

	client := newAliveClient("c1")
	client.Tokens["app"] = entity.Token{Value: "T", ExpiresAt: time.Now().Add(-time.Minute)}
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}

	dispatched := 0
	a := New(registry, func(ctx context.Context, req *entity.LogRequest) error {
		dispatched++
		return nil
	}, testLogger())

	req := baseRequest("c1", time.Now())
	req.Client = client

	if a.ProcessRequest(context.Background(), &req, nil, true) {
		t.Fatal("expected ProcessRequest to reject expired token")
	}
	if dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0", dispatched)
	}
}

// S3 — bulk with maxItemsInBulk=3: bulk of 5 valid items, exactly 3
// processed, client resolution amortized (single FindClient lookup at
// most, since the client is already attached to the wrapper request).
func TestProcessBulkRespectsMaxItems(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["app"] = true
	cfg.maxItemsInBulk = 3

	client := newAliveClient("c1")
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}

	dispatched := 0
	a := New(registry, func(ctx context.Context, req *entity.LogRequest) error {
		dispatched++
		return nil
	}, testLogger())

	now := time.Now()
	wrapper := entity.LogRequest{
		Bulk:         true,
		Client:       client,
		ClientID:     "c1",
		IPAddr:       "1.2.3.4",
		DateReceived: now,
		BulkItems:    make([]entity.RawJSONObject, 5),
	}

	decodeItem := func(raw entity.RawJSONObject, parent entity.LogRequest) entity.LogRequest {
		return entity.LogRequest{
			LoggerID: "app",
			Level:    entity.LogLevelInfo,
			Message:  "item",
			Token:    "T",
			Valid:    true,
		}
	}

	a.ProcessBulk(context.Background(), decodeItem, wrapper, cfg.maxItemsInBulk)

	if dispatched != 3 {
		t.Fatalf("dispatched = %d, want 3", dispatched)
	}
}

// S4 — bulk with mid-batch integrity sweep: item 3 re-resolves via id
// instead of the cached pointer, all 4 writes still occur.
func TestProcessBulkReResolvesAfterIntegritySweep(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["app"] = true
	cfg.maxItemsInBulk = 100
	// Re-resolution by client id after an integrity sweep goes through the
	// same plain-request gate as a first-contact lookup (spec §4.5 step 2);
	// this logger opts into it explicitly.
	cfg.loggerFlags["app"] = map[entity.Flag]bool{entity.FlagAllowPlainLogRequest: true}

	client := newAliveClient("c1")
	task := &fakeIntegrityTask{last: time.Now().Add(-time.Hour)}
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: task}

	dispatched := 0
	a := New(registry, func(ctx context.Context, req *entity.LogRequest) error {
		dispatched++
		if dispatched == 2 {
			// Simulate the integrity task sweeping between items 2 and 3.
			task.last = time.Now().Add(time.Millisecond)
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	}, testLogger())

	now := time.Now()
	wrapper := entity.LogRequest{
		Bulk:         true,
		Client:       client,
		ClientID:     "c1",
		IPAddr:       "1.2.3.4",
		DateReceived: now,
		BulkItems:    make([]entity.RawJSONObject, 4),
	}

	decodeItem := func(raw entity.RawJSONObject, parent entity.LogRequest) entity.LogRequest {
		return entity.LogRequest{
			LoggerID: "app",
			Level:    entity.LogLevelInfo,
			Message:  "item",
			Token:    "T",
			Valid:    true,
		}
	}

	a.ProcessBulk(context.Background(), decodeItem, wrapper, cfg.maxItemsInBulk)

	if dispatched != 4 {
		t.Fatalf("dispatched = %d, want 4", dispatched)
	}
	if registry.lookups == 0 {
		t.Fatal("expected at least one FindClient lookup after the integrity sweep invalidated the cached pointer")
	}
}

// Invariant 5: reserved server logger id is never dispatched.
func TestReservedLoggerIDNeverDispatched(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.flags[entity.FlagAllowUnknownLoggers] = true

	client := newAliveClient("c1")
	client.Tokens[entity.ReservedLoggerID] = entity.Token{Value: "T", ExpiresAt: time.Now().Add(time.Hour)}
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}

	dispatched := 0
	a := New(registry, func(ctx context.Context, req *entity.LogRequest) error {
		dispatched++
		return nil
	}, testLogger())

	req := baseRequest("c1", time.Now())
	req.LoggerID = entity.ReservedLoggerID
	req.Client = client

	if a.ProcessRequest(context.Background(), &req, nil, true) {
		t.Fatal("expected ProcessRequest to reject the reserved logger id")
	}
	if dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0", dispatched)
	}
}
