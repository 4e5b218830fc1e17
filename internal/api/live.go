package api

import (
	"encoding/json"
	"net/http"

	"github.com/driftwood-labs/qwatch"
)

// handleLive serves a read-only snapshot of every active watcher.
func handleLive(eng *qwatch.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Snapshot())
	}
}
