// Package authz implements the Authorizer: client resolution, liveness,
// unknown-logger learning, and the allow/blacklist/token gate described in
// spec §4.5, including the bulk batching amortization algorithm.
package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/brinelog/ingestd/entity"
)

// DispatchFunc writes an authorized request through to the LogSink. It is
// injected rather than imported directly so this package never depends on
// the Dispatcher that owns it.
type DispatchFunc func(ctx context.Context, req *entity.LogRequest) error

// Authorizer resolves the owning Client for a LogRequest and enforces
// per-logger policy before handing it to Dispatch.
type Authorizer struct {
	registry entity.Registry
	dispatch DispatchFunc
	logger   *slog.Logger
}

// New builds an Authorizer.
func New(registry entity.Registry, dispatch DispatchFunc, logger *slog.Logger) *Authorizer {
	return &Authorizer{registry: registry, dispatch: dispatch, logger: logger}
}

// ClientRef is an in/out handle carrying a possibly-cached Client pointer
// across items of the same bulk. A nil ClientRef is valid for non-bulk
// calls; ProcessRequest always writes the resolved client back into it
// when non-nil.
type ClientRef struct {
	Client *entity.Client
}

// ProcessRequest implements spec §4.5's processRequest contract. It
// returns true iff req was successfully dispatched.
func (a *Authorizer) ProcessRequest(ctx context.Context, req *entity.LogRequest, clientRef *ClientRef, forceCheck bool) bool {
	bypassChecks := !forceCheck && clientRef != nil && clientRef.Client != nil

	client := a.resolveClient(ctx, req, clientRef)
	if clientRef != nil {
		clientRef.Client = client
	}

	if client == nil {
		a.logger.Error("invalid request: no client found", "client_id", req.ClientID)
		return false
	}

	if !bypassChecks && !client.IsAlive(req.DateReceived) {
		a.logger.Error("invalid request: client is dead",
			"client_id", client.ID(), "date_received", req.DateReceived,
			"date_created", client.DateCreated, "age", client.Age)
		return false
	}

	req.ClientID = client.ID()
	req.Client = client

	cfg := a.registry.Configuration()

	if !bypassChecks && client.IsKnown() {
		if cfg.HasFlag(entity.FlagAllowUnknownLoggers) && !cfg.IsKnownLogger(req.LoggerID) {
			cfg.UpdateUnknownLoggerUserFromRequest(req.LoggerID, req)
		}
	}

	if !req.Valid {
		return false
	}

	if !bypassChecks && !a.isRequestAllowed(cfg, client, req) {
		a.logger.Warn("ignoring log from unauthorized logger", "logger_id", req.LoggerID)
		return false
	}

	if err := a.dispatch(ctx, req); err != nil {
		a.logger.Error("dispatch failed", "logger_id", req.LoggerID, "error", err)
		return false
	}

	return true
}

// resolveClient mirrors the original processRequest's client selection:
// a non-nil cached ref always wins over req.Client, regardless of
// forceCheck — forceCheck only controls whether liveness/allow checks are
// re-run below, not which client pointer is picked up first.
func (a *Authorizer) resolveClient(ctx context.Context, req *entity.LogRequest, clientRef *ClientRef) *entity.Client {
	var client *entity.Client
	if clientRef != nil && clientRef.Client != nil {
		client = clientRef.Client
	} else {
		client = req.Client
	}

	if client == nil {
		cfg := a.registry.Configuration()
		plainAllowedForLogger := cfg.HasLoggerFlag(req.LoggerID, entity.FlagAllowPlainLogRequest)
		unknownLoggerPlain := !cfg.IsKnownLogger(req.LoggerID) && cfg.HasFlag(entity.FlagAllowUnknownLoggers)

		if (plainAllowedForLogger || unknownLoggerPlain) && req.ClientID != "" {
			found, err := a.registry.FindClient(ctx, req.ClientID)
			if err != nil {
				a.logger.Error("client lookup failed", "client_id", req.ClientID, "error", err)
			} else {
				client = found
			}
		} else if req.ClientID == "" {
			a.logger.Error("invalid request: no client id found")
		}
	}

	return client
}

// isRequestAllowed implements spec §4.5's isRequestAllowed gate.
func (a *Authorizer) isRequestAllowed(cfg entity.Configuration, client *entity.Client, req *entity.LogRequest) bool {
	if client == nil {
		a.logger.Debug("client may have expired")
		return false
	}

	allowed := cfg.HasFlag(entity.FlagAllowUnknownLoggers)
	if !allowed {
		allowed = cfg.IsKnownLogger(req.LoggerID)
	}
	if allowed {
		allowed = req.LoggerID != entity.ReservedLoggerID
	}
	if allowed {
		allowed = !cfg.IsBlacklisted(req.LoggerID)
	}
	if allowed {
		allowed = client.IsValidToken(req.LoggerID, req.Token, req.DateReceived)
		if !allowed {
			a.logger.Warn("token expired", "logger_id", req.LoggerID, "client_id", client.ID())
		}
	}

	return allowed
}

// ProcessBulk implements the bulk batching algorithm of spec §4.5:
// client resolution and token checks are amortized across items unless an
// item fails or the integrity task has swept since the last validation.
func (a *Authorizer) ProcessBulk(ctx context.Context, decodeItem func(entity.RawJSONObject, entity.LogRequest) entity.LogRequest, req entity.LogRequest, maxItems int) {
	forceClientValidation := true
	currentClient := req.Client
	lastKnownClientID := req.ClientID
	lastClientValidation := time.Now()

	integrityTask := a.registry.ClientIntegrityTask()

	itemCount := 0
	for _, raw := range req.BulkItems {
		if itemCount == maxItems {
			a.logger.Error("maximum number of bulk requests reached, ignoring the rest of items in bulk",
				"max_items", maxItems, "total_items", len(req.BulkItems))
			break
		}

		itemReq := decodeItem(raw, req)
		if !itemReq.Valid {
			a.logger.Error("invalid request in bulk")
			continue
		}

		itemReq.IPAddr = req.IPAddr
		itemReq.DateReceived = req.DateReceived

		if !forceClientValidation && integrityTask != nil && !lastClientValidation.After(integrityTask.LastExecution()) {
			a.logger.Info("re-forcing client validation after client integrity task execution")
			forceClientValidation = true
			currentClient = nil
			itemReq.Client = nil
			itemReq.ClientID = lastKnownClientID
			lastClientValidation = time.Now()
		}

		ref := &ClientRef{Client: currentClient}
		ok := a.ProcessRequest(ctx, &itemReq, ref, forceClientValidation)
		currentClient = ref.Client

		if ok {
			if currentClient != nil {
				lastKnownClientID = currentClient.ID()
			} else {
				lastKnownClientID = ""
			}
			forceClientValidation = false
		} else {
			forceClientValidation = true
			currentClient = nil
		}

		itemCount++
	}
}
