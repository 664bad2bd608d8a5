package api

import "net/http"

func (s *server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]any{}
	if s.services.stats != nil {
		stats := s.services.stats()
		metadata["dispatcher"] = map[string]any{
			"last_cycle_items": stats.LastCycleItems,
			"queue_depth":      stats.QueueDepth,
		}
	}

	s.writeJson(w, http.StatusOK, apiResponse{ //nolint:errcheck
		Success:  true,
		Message:  "OK",
		Metadata: metadata,
	}, nil)
}
