// Package querier defines the read-only search surface over dispatched
// log_records: a fixed set of filters plus cursor pagination, not a
// general-purpose query language. SPEC_FULL §2 calls for "a read-only
// query surface over ingested/dispatched records" — a filtered SELECT,
// not an expression compiler — so this package stays a plain struct
// instead of the AST/lexer/parser stack a generic query DSL would need.
package querier

import (
	"context"
	"time"

	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/fault"
)

// Query is the set of filters the search endpoint accepts. All filter
// fields are optional except Start; a zero value on Source, ClientID, or
// Level means "don't filter on this field".
type Query struct {
	// Source restricts results to a single logger id (log_records.source).
	Source string `json:"source,omitempty"`

	// ClientID restricts results to a single client.
	ClientID string `json:"client_id,omitempty"`

	// Level restricts results to a single severity. LogLevelUnknown (the
	// zero value) means unfiltered, since no dispatched record is ever
	// stored at that level.
	Level entity.LogLevel `json:"level,omitempty"`

	// Start is the inclusive beginning of the time range. Required.
	Start time.Time `json:"start"`

	// End is the exclusive end of the time range. Zero means unbounded.
	End time.Time `json:"end,omitempty"`

	// Descending sorts newest-first when true, oldest-first otherwise.
	Descending bool `json:"descending,omitempty"`

	// Limit caps the number of returned records, 1-1000.
	Limit int `json:"limit"`

	// Cursor resumes a prior search from the record it names, in the
	// "<id>|<timestamp>" form buildCursor produces.
	Cursor string `json:"cursor,omitempty"`
}

const (
	limitMin = 1
	limitMax = 1000
)

// Validate enforces the same bounds the original AST-based Query.Validate
// checked: Start is required, Limit must be in [limitMin, limitMax].
func (q Query) Validate() error {
	if q.Start.IsZero() {
		return fault.New(fault.BadInputCode, "").WithMetadata(fault.FieldErrorsMetadata{"start": []string{"Field is required."}})
	}
	if q.Limit > limitMax {
		return fault.New(fault.BadInputCode, "").WithMetadata(fault.FieldErrorsMetadata{"limit": []string{"Values larger than 1000 are not supported."}})
	}
	if q.Limit < limitMin {
		return fault.New(fault.BadInputCode, "").WithMetadata(fault.FieldErrorsMetadata{"limit": []string{"Values smaller than 1 are not supported."}})
	}
	return nil
}

type QueryRequest struct {
	Query Query
}

type QueryResponse struct {
	Records []entity.LogRecord
	Cursor  string
}

// Querier is the read-only search surface a Registry implementation backs.
type Querier interface {
	Query(ctx context.Context, req QueryRequest) (QueryResponse, error)
}
