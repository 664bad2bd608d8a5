package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/ingest/authz"
	"github.com/brinelog/ingestd/ingest/decode"
	"github.com/brinelog/ingestd/ingest/queue"
)

// numDispatchThreads is deliberately 1: the spec's own rationale (§5) is
// that multiple consumers would still serialize on the frozen-buffer
// drain, acks are already decoupled from processing, and throughput here
// is dominated by the sink, not by parallelism at this layer. Moving to
// N>1 requires widening the frozen-buffer lock to the whole drain loop,
// not just each Pull.
const numDispatchThreads = 1

const cycleInterval = 100 * time.Millisecond

// DispatchStats are the per-cycle profiling counters restored from the
// original implementation's RESIDUE_PROFILING block (see SPEC_FULL.md §8).
type DispatchStats struct {
	LastCycleItems    int
	LastCycleDuration time.Duration
	QueueDepth        int
}

// Dispatcher is the single background worker draining the SwappingQueue.
type Dispatcher struct {
	queue      *queue.SwappingQueue
	decoder    *decode.Decoder
	authorizer *authz.Authorizer
	sink       entity.LogSink
	registry   entity.Registry
	cfg        entity.Configuration
	logger     *slog.Logger

	statsMu sync.RWMutex
	stats   DispatchStats

	wg sync.WaitGroup
}

// currentRequestSetter is an optional capability a LogSink may implement
// so installed format specifiers have a request to read from at Write
// time; FileSink implements it.
type currentRequestSetter interface {
	SetCurrentRequest(*entity.LogRequest)
}

// New builds a Dispatcher and wires the Authorizer's dispatch callback to
// this Dispatcher's format-injecting write path. caps may be nil for
// deployments that never mark a RawRequest as encrypted.
func New(q *queue.SwappingQueue, registry entity.Registry, sink entity.LogSink, caps entity.Capabilities, logger *slog.Logger, decoderOpts ...decode.Option) *Dispatcher {
	cfg := registry.Configuration()

	d := &Dispatcher{
		queue:    q,
		sink:     sink,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}

	d.decoder = decode.New(caps, cfg, logger, decoderOpts...)
	d.authorizer = authz.New(registry, d.dispatch, logger)

	return d
}

// Start spawns the single background dispatch worker. It returns
// immediately; the worker runs until ctx is cancelled, at which point Wait
// returns once the in-flight cycle (never interrupted mid-item, per spec
// §5) has completed.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < numDispatchThreads; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx)
		}()
	}
}

// Wait blocks until the dispatch worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns a snapshot of the most recently completed cycle's
// counters, for the control-plane healthcheck to surface.
func (d *Dispatcher) Stats() DispatchStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.stats
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	start := time.Now()
	total := d.queue.Size()
	processed := 0

	for i := 0; i < total; i++ {
		if delay := d.cfg.DispatchDelay(); delay > 0 {
			time.Sleep(delay)
		}

		raw := d.queue.Pull()
		req, status := d.decoder.Decode(ctx, raw)

		if status != entity.StatusContinue {
			continue
		}

		if !req.Valid && !req.Bulk {
			d.logger.Error("failed to decode request", "ip", req.IPAddr)
			continue
		}

		if req.Bulk {
			if d.cfg.HasFlag(entity.FlagAllowBulkLogRequest) {
				d.authorizer.ProcessBulk(ctx, d.decoder.DecodeBulkItem, req, d.cfg.MaxItemsInBulk())
				processed += min(len(req.BulkItems), d.cfg.MaxItemsInBulk())
			} else {
				d.logger.Error("bulk requests are not allowed")
			}
			continue
		}

		if req.Client != nil {
			req.ClientID = req.Client.ID()
		}
		d.authorizer.ProcessRequest(ctx, &req, nil, true)
		processed++
	}

	d.queue.SwitchContext()

	elapsed := time.Since(start)
	d.statsMu.Lock()
	d.stats = DispatchStats{LastCycleItems: processed, LastCycleDuration: elapsed, QueueDepth: d.queue.BacklogSize()}
	d.statsMu.Unlock()

	if total > 0 {
		d.logger.Debug("dispatch cycle complete", "items", total, "requests", processed, "duration", elapsed)
	}
	if backlog := d.queue.BacklogSize(); backlog > 0 {
		d.logger.Debug("items accumulated during dispatch cycle", "backlog", backlog)
	}
}

// dispatch implements the FormatInjector contract of spec §4.6: install
// the client_id/ip specifiers, write through the sink, and uninstall
// unconditionally on every exit path. A successful sink write is mirrored
// into the registry's log_records table so the /api/search surface has
// something to query; a record-store failure fails the dispatch even
// though the sink write already landed, since the two are meant to stay
// in lockstep for anything the query surface should be able to find.
func (d *Dispatcher) dispatch(ctx context.Context, req *entity.LogRequest) error {
	d.sink.InstallFormatter("client_id", clientIDSpecifier)
	d.sink.InstallFormatter("ip", ipSpecifier)

	if setter, ok := d.sink.(currentRequestSetter); ok {
		setter.SetCurrentRequest(req)
	}

	defer func() {
		d.sink.UninstallFormatter("client_id")
		d.sink.UninstallFormatter("ip")
		if setter, ok := d.sink.(currentRequestSetter); ok {
			setter.SetCurrentRequest(nil)
		}
	}()

	if err := d.sink.Write(ctx, entity.WriteRecord{
		Level:        req.Level,
		Filename:     req.Filename,
		LineNumber:   req.LineNumber,
		Function:     req.Function,
		VerboseLevel: req.VerboseLevel,
		LoggerID:     req.LoggerID,
		Message:      req.Message,
	}); err != nil {
		return err
	}

	return d.registry.StoreLogRecord(ctx, recordFromRequest(req))
}

// recordFromRequest builds the persisted LogRecord for a dispatched
// request. Source is the logger id: the query surface groups/filters by
// the same identity the sink's format specifiers expose.
func recordFromRequest(req *entity.LogRequest) entity.LogRecord {
	rec := entity.LogRecord{
		ID:        req.ID,
		Source:    req.LoggerID,
		Level:     req.Level,
		Message:   req.Message,
		Timestamp: req.DateReceived,
		ClientID:  req.ClientID,
		IPAddr:    req.IPAddr,
	}
	if req.Filename != "" || req.LineNumber != 0 || req.Function != "" {
		rec.Metadata = map[string]any{
			"filename":      req.Filename,
			"line_number":   req.LineNumber,
			"function":      req.Function,
			"verbose_level": req.VerboseLevel,
		}
	}
	return rec
}

func clientIDSpecifier(req *entity.LogRequest) string {
	if req == nil || req.Client == nil {
		return ""
	}
	return req.Client.ID()
}

func ipSpecifier(req *entity.LogRequest) string {
	if req == nil {
		return ""
	}
	return req.IPAddr
}
