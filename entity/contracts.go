package entity

import (
	"context"
	"time"
)

// Flag is a named boolean switch, either global or scoped to a single
// logger via a per-logger policy block.
type Flag string

const (
	FlagAllowPlainLogRequest Flag = "allow_plain_log_request"
	FlagAllowBulkLogRequest  Flag = "allow_bulk_log_request"
	FlagAllowUnknownLoggers  Flag = "allow_unknown_loggers"
	FlagCompression          Flag = "compression"
)

// StatusCode is written back to a Session in response to an ingress request.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusBadRequest
	StatusContinue
)

// Session is the network/transport handle a RawRequest arrived on. Its
// implementation (socket I/O, TLS) is out of scope for this core.
type Session interface {
	WriteStatusCode(code StatusCode) error
	RemoteAddr() string
}

// IntegrityTask reports the timestamp of the Registry's most recent client
// sweep. A sweep may invalidate cached Client handles the core is holding.
type IntegrityTask interface {
	LastExecution() time.Time
}

// Configuration is the read-only snapshot consumed by the ingestion core.
type Configuration interface {
	HasFlag(f Flag) bool
	IsKnownLogger(id string) bool
	IsBlacklisted(id string) bool
	HasLoggerFlag(id string, f Flag) bool
	LoggerLuaScript(id string) (string, bool)
	MaxItemsInBulk() int
	DispatchDelay() time.Duration
	UpdateUnknownLoggerUserFromRequest(loggerID string, req *LogRequest)
}

// Registry owns Client records, the server-wide Configuration snapshot, and
// the log_records query surface. Client handles it returns are borrowed and
// may be invalidated by its integrity sweep; see ClientIntegrityTask.
type Registry interface {
	Configuration() Configuration
	FindClient(ctx context.Context, clientID string) (*Client, error)
	ClientIntegrityTask() IntegrityTask
	StoreLogRecord(ctx context.Context, rec LogRecord) error
}

// FormatterFunc renders a custom format specifier's value for req.
type FormatterFunc func(req *LogRequest) string

// WriteRecord is what the Dispatcher hands to a LogSink for a single write.
type WriteRecord struct {
	Level        LogLevel
	Filename     string
	LineNumber   int
	Function     string
	VerboseLevel int
	LoggerID     string
	Message      string
}

// LogSink is the pluggable, format-aware downstream writer. Custom format
// specifiers installed around a Write must always be uninstalled, on every
// exit path, before control returns to the caller.
type LogSink interface {
	Write(ctx context.Context, rec WriteRecord) error
	InstallFormatter(name string, fn FormatterFunc)
	UninstallFormatter(name string)
}

// Capabilities is the cryptographic/decompression capability set the
// RequestDecoder consumes. Algorithms are not prescribed by the ingestion
// core; only the contract is.
type Capabilities interface {
	Decrypt(ctx context.Context, clientID string, ciphertext []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte, clientID string) (bool, error)
}
