package api

import (
	"encoding/json"
	"net/http"

	"github.com/driftwood-labs/qwatch/pkg/richcatalog"
)

// handleCatalog serves the demo's schema introspection snapshot, refreshed
// once at startup by cmd/qwatch-demo. It is informational only; the engine
// itself never consults it.
func handleCatalog(cat *richcatalog.DBCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cat.Snapshot())
	}
}
