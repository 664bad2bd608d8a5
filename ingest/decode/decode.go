// Package decode implements the RequestDecoder: decrypt, decompress, and
// deserialize a RawRequest into a structured entity.LogRequest, including
// bulk-wrapper detection and the plain-request fallback.
package decode

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/brinelog/ingestd/entity"
	"github.com/google/uuid"
)

// wireLogRequest is the JSON shape a decoded LogRequest (or bulk item)
// takes on the wire.
type wireLogRequest struct {
	LoggerID     string `json:"logger_id"`
	Message      string `json:"msg"`
	Level        int    `json:"level"`
	VerboseLevel int    `json:"v"`
	Filename     string `json:"file"`
	LineNumber   int    `json:"line"`
	Function     string `json:"func"`
	Token        string `json:"token"`
	ClientID     string `json:"client_id"`
}

// Decoder turns RawRequests into entity.LogRequest values.
type Decoder struct {
	caps   entity.Capabilities
	cfg    entity.Configuration
	logger *slog.Logger
	rewrite func(loggerID string, req *entity.LogRequest) error
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithRewriter installs a per-logger rewrite hook run after scalar fields
// are populated and before validity is computed. Used to wire the Lua
// pre-processing hook without decode depending on the Lua runtime types.
func WithRewriter(fn func(loggerID string, req *entity.LogRequest) error) Option {
	return func(d *Decoder) { d.rewrite = fn }
}

// New builds a Decoder. caps may be nil for deployments that never mark a
// RawRequest as encrypted (e.g. local/testing).
func New(caps entity.Capabilities, cfg entity.Configuration, logger *slog.Logger, opts ...Option) *Decoder {
	d := &Decoder{caps: caps, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode implements the RequestDecoder contract of spec §4.4: decrypt,
// decompress, parse JSON, detect the bulk wrapper, and fall back to a
// plain-JSON parse when policy permits and the primary path fails.
// Note: an unencrypted RawRequest always takes the decryptOK=true path
// below regardless of ALLOW_PLAIN_LOG_REQUEST — that flag only gates the
// post-decrypt-failure fallback, not whether an already-plain request is
// accepted. A deployment that disallows plain requests still rejects an
// unencrypted one, but via the Authorizer's client-resolution gate rather
// than here, so it surfaces as an AuthError rather than a DecodeError.
func (d *Decoder) Decode(ctx context.Context, raw entity.RawRequest) (entity.LogRequest, entity.StatusCode) {
	payload, decryptOK := d.decrypt(ctx, raw)

	if decryptOK && d.cfg.HasFlag(entity.FlagCompression) {
		if d.caps == nil {
			d.logger.Warn("decompression failed", "error", "no capabilities configured")
			decryptOK = false
		} else if dec, err := d.caps.Decompress(payload); err == nil {
			payload = dec
		} else {
			d.logger.Warn("decompression failed", "error", err)
			decryptOK = false
		}
	}

	if decryptOK {
		if req, ok := d.parse(payload, raw); ok {
			return req, entity.StatusContinue
		}
	}

	if d.cfg.HasFlag(entity.FlagAllowPlainLogRequest) {
		if req, ok := d.parse(raw.Payload, raw); ok {
			return req, entity.StatusContinue
		}
		d.logger.Warn("plain request fallback failed to decode", "ip", raw.IPAddr)
		return invalidRequest(raw), entity.StatusBadRequest
	}

	d.logger.Warn("cannot decode request and plain requests are disallowed", "ip", raw.IPAddr)
	return invalidRequest(raw), entity.StatusBadRequest
}

// DecodeBulkItem decodes a single element of a bulk array. Unlike Decode,
// there is no plain-request fallback: bulk items are always plain JSON
// objects already extracted from the parent's decrypted/decompressed body.
func (d *Decoder) DecodeBulkItem(item entity.RawJSONObject, parent entity.LogRequest) entity.LogRequest {
	var w wireLogRequest
	if err := json.Unmarshal(item, &w); err != nil {
		d.logger.Error("invalid request in bulk", "error", err)
		return entity.LogRequest{Valid: false}
	}

	req := d.toLogRequest(w, parent.IPAddr, parent.DateReceived)
	return req
}

func (d *Decoder) decrypt(ctx context.Context, raw entity.RawRequest) ([]byte, bool) {
	if !raw.Encrypted {
		return raw.Payload, true
	}
	if d.caps == nil {
		return nil, false
	}
	pt, err := d.caps.Decrypt(ctx, raw.ClientID, raw.Payload)
	if err != nil {
		d.logger.Warn("decryption failed", "client_id", raw.ClientID, "error", err)
		return nil, false
	}
	return pt, true
}

// parse deserializes payload as either a scalar LogRequest object or a
// bulk array wrapper.
func (d *Decoder) parse(payload []byte, raw entity.RawRequest) (entity.LogRequest, bool) {
	trimmed := skipLeadingSpace(payload)
	if len(trimmed) == 0 {
		return entity.LogRequest{}, false
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return entity.LogRequest{}, false
		}

		bulkItems := make([]entity.RawJSONObject, len(items))
		for i, it := range items {
			bulkItems[i] = entity.RawJSONObject(it)
		}

		return entity.LogRequest{
			IPAddr:       raw.IPAddr,
			DateReceived: raw.DateReceived,
			Bulk:         true,
			BulkItems:    bulkItems,
		}, true
	}

	var w wireLogRequest
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return entity.LogRequest{}, false
	}

	req := d.toLogRequest(w, raw.IPAddr, raw.DateReceived)
	return req, true
}

func (d *Decoder) toLogRequest(w wireLogRequest, ipAddr string, dateReceived time.Time) entity.LogRequest {
	req := entity.LogRequest{
		ID:           uuid.New(),
		LoggerID:     w.LoggerID,
		Level:        entity.LogLevel(w.Level),
		VerboseLevel: w.VerboseLevel,
		Message:      w.Message,
		Filename:     w.Filename,
		LineNumber:   w.LineNumber,
		Function:     w.Function,
		Token:        w.Token,
		ClientID:     w.ClientID,
		IPAddr:       ipAddr,
		DateReceived: dateReceived,
	}

	if d.rewrite != nil && req.LoggerID != "" {
		if err := d.rewrite(req.LoggerID, &req); err != nil {
			d.logger.Warn("rewrite hook failed", "logger_id", req.LoggerID, "error", err)
		}
	}

	req.Valid = isValid(req)

	return req
}

func isValid(req entity.LogRequest) bool {
	return req.LoggerID != "" && req.Message != "" && req.Level != entity.LogLevelUnknown
}

func invalidRequest(raw entity.RawRequest) entity.LogRequest {
	return entity.LogRequest{
		IPAddr:       raw.IPAddr,
		DateReceived: raw.DateReceived,
		Valid:        false,
	}
}

func skipLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
