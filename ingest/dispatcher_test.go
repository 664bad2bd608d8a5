package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/ingest/queue"
)

type fakeConfiguration struct {
	flags          map[entity.Flag]bool
	known          map[string]bool
	loggerFlags    map[string]map[entity.Flag]bool
	maxItemsInBulk int
}

func newFakeConfiguration() *fakeConfiguration {
	return &fakeConfiguration{flags: map[entity.Flag]bool{}, known: map[string]bool{}, loggerFlags: map[string]map[entity.Flag]bool{}, maxItemsInBulk: 100}
}

func (c *fakeConfiguration) HasFlag(f entity.Flag) bool                                        { return c.flags[f] }
func (c *fakeConfiguration) IsKnownLogger(id string) bool                                      { return c.known[id] }
func (c *fakeConfiguration) IsBlacklisted(id string) bool                                      { return false }
func (c *fakeConfiguration) HasLoggerFlag(id string, f entity.Flag) bool                       { return c.loggerFlags[id][f] }
func (c *fakeConfiguration) LoggerLuaScript(id string) (string, bool)                          { return "", false }
func (c *fakeConfiguration) MaxItemsInBulk() int                                               { return c.maxItemsInBulk }
func (c *fakeConfiguration) DispatchDelay() time.Duration                                      { return 0 }
func (c *fakeConfiguration) UpdateUnknownLoggerUserFromRequest(loggerID string, req *entity.LogRequest) {}

type fakeIntegrityTask struct{ last time.Time }

func (t *fakeIntegrityTask) LastExecution() time.Time { return t.last }

type fakeRegistry struct {
	cfg     *fakeConfiguration
	clients map[string]*entity.Client
	task    *fakeIntegrityTask

	mu      sync.Mutex
	records []entity.LogRecord
}

func (r *fakeRegistry) Configuration() entity.Configuration { return r.cfg }
func (r *fakeRegistry) FindClient(ctx context.Context, clientID string) (*entity.Client, error) {
	return r.clients[clientID], nil
}
func (r *fakeRegistry) ClientIntegrityTask() entity.IntegrityTask { return r.task }
func (r *fakeRegistry) StoreLogRecord(ctx context.Context, rec entity.LogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}
func (r *fakeRegistry) recordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeSink struct {
	mu      sync.Mutex
	writes  []entity.WriteRecord
	current *entity.LogRequest
	specs   map[string]entity.FormatterFunc
}

func newFakeSink() *fakeSink { return &fakeSink{specs: map[string]entity.FormatterFunc{}} }

func (s *fakeSink) Write(ctx context.Context, rec entity.WriteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, rec)
	return nil
}
func (s *fakeSink) InstallFormatter(name string, fn entity.FormatterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[name] = fn
}
func (s *fakeSink) UninstallFormatter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, name)
}
func (s *fakeSink) SetCurrentRequest(req *entity.LogRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = req
}
func (s *fakeSink) installedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}
func (s *fakeSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func aliveClient(id string) *entity.Client {
	return &entity.Client{
		ClientID:    id,
		DateCreated: time.Now().Add(-time.Hour),
		Age:         24 * time.Hour,
		Known:       true,
		Tokens:      map[string]entity.Token{"app": {Value: "T", ExpiresAt: time.Now().Add(time.Hour)}},
	}
}

// S1 — single valid request, known logger: exactly one sink write, no
// residual format specifiers. The request is unencrypted, so its client is
// resolved by client_id, which the Authorizer only does for a logger that
// allows plain requests; "app" opts into that here.
func TestDispatcherSingleValidRequest(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["app"] = true
	cfg.loggerFlags["app"] = map[entity.Flag]bool{entity.FlagAllowPlainLogRequest: true}
	client := aliveClient("c1")
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}
	sink := newFakeSink()

	q := queue.New()
	d := New(q, registry, sink, nil, testLogger())

	payload, _ := json.Marshal(map[string]any{
		"logger_id": "app", "msg": "hi", "level": 4, "token": "T", "client_id": "c1",
	})
	q.Push(entity.RawRequest{Payload: payload, DateReceived: time.Now()})

	d.runCycle(context.Background())

	if got := sink.writeCount(); got != 1 {
		t.Fatalf("writeCount() = %d, want 1", got)
	}
	if got := sink.writes[0]; got.LoggerID != "app" || got.Message != "hi" {
		t.Fatalf("write = %+v, want logger_id=app msg=hi", got)
	}
	if got := sink.installedCount(); got != 0 {
		t.Fatalf("installedCount() = %d, want 0 after dispatch returns", got)
	}
	if got := registry.recordCount(); got != 1 {
		t.Fatalf("recordCount() = %d, want 1 (dispatch must persist a LogRecord alongside the sink write)", got)
	}
	if rec := registry.records[0]; rec.Source != "app" || rec.Message != "hi" || rec.ClientID != "c1" {
		t.Fatalf("record = %+v, want source=app msg=hi client_id=c1", rec)
	}
}

// S3 — bulk of 5 with maxItemsInBulk=3: exactly 3 writes.
func TestDispatcherBulkRespectsMaxItems(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["app"] = true
	cfg.flags[entity.FlagAllowBulkLogRequest] = true
	cfg.loggerFlags["app"] = map[entity.Flag]bool{entity.FlagAllowPlainLogRequest: true}
	cfg.maxItemsInBulk = 3
	client := aliveClient("c1")
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}
	sink := newFakeSink()

	q := queue.New()
	d := New(q, registry, sink, nil, testLogger())

	items := make([]map[string]any, 5)
	for i := range items {
		items[i] = map[string]any{"logger_id": "app", "msg": "item", "level": 4, "token": "T", "client_id": "c1"}
	}
	payload, _ := json.Marshal(items)
	q.Push(entity.RawRequest{Payload: payload, DateReceived: time.Now()})

	d.runCycle(context.Background())

	if got := sink.writeCount(); got != 3 {
		t.Fatalf("writeCount() = %d, want 3", got)
	}
	if got := registry.recordCount(); got != 3 {
		t.Fatalf("recordCount() = %d, want 3 (one persisted record per sink write)", got)
	}
}

// Invariant 6 / spec §4.3: items pushed during a drain are deferred to the
// next cycle rather than processed in the current one.
func TestDispatcherDefersItemsPushedDuringDrain(t *testing.T) {
	cfg := newFakeConfiguration()
	cfg.known["app"] = true
	cfg.loggerFlags["app"] = map[entity.Flag]bool{entity.FlagAllowPlainLogRequest: true}
	client := aliveClient("c1")
	registry := &fakeRegistry{cfg: cfg, clients: map[string]*entity.Client{"c1": client}, task: &fakeIntegrityTask{}}
	sink := newFakeSink()

	q := queue.New()
	d := New(q, registry, sink, nil, testLogger())

	payload, _ := json.Marshal(map[string]any{"logger_id": "app", "msg": "one", "level": 4, "token": "T", "client_id": "c1"})
	q.Push(entity.RawRequest{Payload: payload, DateReceived: time.Now()})
	q.SwitchContext()

	// Simulate a producer pushing mid-drain by pushing directly to the
	// active buffer before the next SwitchContext.
	go q.Push(entity.RawRequest{Payload: payload, DateReceived: time.Now()})
	time.Sleep(5 * time.Millisecond)

	d.runCycle(context.Background())

	if got := sink.writeCount(); got != 1 {
		t.Fatalf("writeCount() after first cycle = %d, want 1 (the mid-drain push must not be included)", got)
	}

	d.runCycle(context.Background())
	if got := sink.writeCount(); got != 2 {
		t.Fatalf("writeCount() after second cycle = %d, want 2", got)
	}
}
