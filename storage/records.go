package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/querier"
)

// Query implements querier.Querier over the log_records table: a fixed
// set of optional equality/range filters plus cursor pagination, built
// directly into a parameterized SELECT rather than through a generic
// query compiler.
func (r *ClickHouseRegistry) Query(ctx context.Context, req querier.QueryRequest) (querier.QueryResponse, error) {
	q := req.Query
	if err := q.Validate(); err != nil {
		return querier.QueryResponse{}, err
	}

	sql, args, err := buildRecordQuery(q)
	if err != nil {
		return querier.QueryResponse{}, fmt.Errorf("cannot build query: %w", err)
	}

	rows, err := r.conn.Query(ctx, sql, args...)
	if err != nil {
		return querier.QueryResponse{}, fmt.Errorf("cannot execute query: %w", err)
	}
	defer rows.Close()

	var records []entity.LogRecord
	for rows.Next() {
		var rec entity.LogRecord
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Level, &rec.Message, &rec.Timestamp, &rec.ClientID, &rec.IPAddr, &rec.Metadata); err != nil {
			return querier.QueryResponse{}, fmt.Errorf("cannot scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return querier.QueryResponse{}, err
	}

	return querier.QueryResponse{Records: records, Cursor: buildCursor(records)}, nil
}

// buildRecordQuery renders q into a parameterized SELECT over log_records.
// Every filter is an equality or range comparison against a fixed column;
// there is no user-supplied expression tree to traverse.
func buildRecordQuery(q querier.Query) (string, []any, error) {
	var where []string
	var args []any

	where = append(where, "timestamp >= ?")
	args = append(args, q.Start)

	if !q.End.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.End)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.Level != entity.LogLevelUnknown {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}

	if q.Cursor != "" {
		cursorID, cursorTS, err := parseCursor(q.Cursor)
		if err != nil {
			return "", nil, err
		}
		if q.Descending {
			where = append(where, "(timestamp, id) < (?, ?)")
		} else {
			where = append(where, "(timestamp, id) > (?, ?)")
		}
		args = append(args, cursorTS, cursorID)
	}

	order := "ASC"
	if q.Descending {
		order = "DESC"
	}

	sql := fmt.Sprintf(
		"SELECT id, source, level, message, timestamp, client_id, ip, metadata FROM log_records WHERE %s ORDER BY timestamp %s, id %s LIMIT ?",
		strings.Join(where, " AND "), order, order,
	)
	args = append(args, q.Limit)

	return sql, args, nil
}

const cursorTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func buildCursor(records []entity.LogRecord) string {
	if len(records) == 0 {
		return ""
	}
	last := records[len(records)-1]
	return last.ID.String() + "|" + last.Timestamp.Format(cursorTimeLayout)
}

func parseCursor(cursor string) (uuid.UUID, time.Time, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("malformed cursor %q", cursor)
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("malformed cursor id: %w", err)
	}
	ts, err := time.Parse(cursorTimeLayout, parts[1])
	if err != nil {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return id, ts, nil
}
