package entity

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel mirrors the severity levels a dispatched request can carry.
type LogLevel uint8

const (
	LogLevelUnknown LogLevel = iota
	LogLevelTrace
	LogLevelDebug
	LogLevelVerbose
	LogLevelInfo
	LogLevelWarning
	LogLevelError
	LogLevelFatal
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelVerbose:
		return "VERBOSE"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ReservedLoggerID is the logger ID used for this server's own diagnostics.
// No client-submitted request may be dispatched under this ID.
const ReservedLoggerID = "_internal"

// RawRequest is the opaque payload received on a session, plus ingress
// metadata the server stamps itself. Immutable once enqueued.
//
// ClientID and Encrypted are stamped by the (out-of-scope) session layer:
// a session that authenticated a client during connect/token issuance
// knows which client's symmetric key to decrypt with and whether its
// negotiated mode uses encryption at all, before a single log request
// ever reaches this core.
type RawRequest struct {
	Payload      []byte
	IPAddr       string
	DateReceived time.Time
	ClientID     string
	Encrypted    bool
}

// LogRequest is a decoded, structured request, scalar or a single bulk item.
type LogRequest struct {
	ID           uuid.UUID
	LoggerID     string
	Level        LogLevel
	VerboseLevel int
	Message      string
	Filename     string
	LineNumber   int
	Function     string
	Token        string
	ClientID     string
	IPAddr       string
	DateReceived time.Time

	Client *Client

	Valid bool
	Bulk  bool
	// BulkItems holds the raw JSON objects of a bulk wrapper's children,
	// populated only when Bulk is true.
	BulkItems []RawJSONObject
}

// RawJSONObject is an undecoded JSON object extracted from a bulk array.
type RawJSONObject []byte

// Token is a time-bounded credential binding a Client to one loggerID.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Client is an authenticated remote peer. Client handles are owned by a
// Registry external to the ingestion core and may be invalidated by its
// integrity sweep; see Registry.ClientIntegrityTask.
type Client struct {
	ClientID    string
	DateCreated time.Time
	Age         time.Duration
	Known       bool
	Tokens      map[string]Token // loggerID -> Token
}

func (c *Client) ID() string {
	return c.ClientID
}

func (c *Client) IsKnown() bool {
	return c.Known
}

// IsAlive reports whether the client has not outlived its maximum lifetime
// as of t.
func (c *Client) IsAlive(t time.Time) bool {
	return !t.After(c.DateCreated.Add(c.Age))
}

// IsValidToken reports whether value is the unexpired token bound to
// loggerID as of t. Spec §6 lists a registry parameter on the external
// isValidToken(loggerId, token, registry, ts) contract, for lookups that
// may refresh a token lazily; this Client is already the registry's own
// resolved handle by the time IsValidToken runs (Authorizer.resolveClient
// calls Registry.FindClient first), so the check only ever needs the
// token map already loaded on c.
func (c *Client) IsValidToken(loggerID, value string, t time.Time) bool {
	tok, ok := c.Tokens[loggerID]
	if !ok || tok.Value == "" || value == "" {
		return false
	}
	if tok.Value != value {
		return false
	}
	return !t.After(tok.ExpiresAt)
}

// LogRecord is a dispatched request as persisted for later querying. It is
// distinct from LogRequest: LogRequest is in-flight and mutable during
// authorization, LogRecord is the immutable written-through result.
type LogRecord struct {
	ID        uuid.UUID      `json:"id"`
	Source    string         `json:"source"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	ClientID  string         `json:"client_id"`
	IPAddr    string         `json:"ip"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
