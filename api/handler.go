package api

import (
	"net/http"

	"github.com/brinelog/ingestd/querier"
)

// searchLogsHandler backs POST /api/search: a filtered SELECT over
// log_records, not a query language endpoint (see package querier).
func (s *server) searchLogsHandler(w http.ResponseWriter, r *http.Request) {
	var logQuery querier.Query
	if s.returnOnError(w, r, s.readJson(w, r, &logQuery)) {
		return
	}

	// Preparing request
	req := querier.QueryRequest{Query: logQuery}

	// Getting response
	resp, err := s.services.storage.Query(r.Context(), req)
	if s.returnOnError(w, r, err) {
		return
	}

	// Return JSON response
	s.writeJson( // nolint:errcheck
		w,
		http.StatusOK,
		apiResponse{
			Success: true,
			Data:    resp.Records,
			Metadata: map[string]any{"pagination": map[string]any{
				"cursor": resp.Cursor,
			}},
		},
		nil,
	)

}
