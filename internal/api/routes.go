package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/driftwood-labs/qwatch"
	"github.com/driftwood-labs/qwatch/pkg/richcatalog"
)

// SetupRoutes wires the demo server's HTTP surface: a live-query WebSocket,
// a read-only watcher snapshot, a schema catalog snapshot, and an edit
// endpoint, all on top of a single shared Engine.
func SetupRoutes(eng *qwatch.Engine, conn qwatch.Connection, cat *richcatalog.DBCatalog) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	ws := &WSHandler{Engine: eng}

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", ws.HandleWS)
		r.Get("/live", handleLive(eng))
		r.Get("/catalog", handleCatalog(cat))
		r.Post("/edit", handleEdit(conn))
	})

	fs := http.FileServer(http.Dir("web"))
	r.Handle("/*", fs)

	return r
}
