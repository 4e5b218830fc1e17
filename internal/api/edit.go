package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/driftwood-labs/qwatch"
	"github.com/driftwood-labs/qwatch/internal/common"
	"github.com/driftwood-labs/qwatch/sqlident"
)

// EditRequest routes a client-side edit back to the base row it came from,
// using the handle the ws layer attached to every row (internal/common).
type EditRequest struct {
	EditHandle string `json:"editHandle"`
	Column     string `json:"column"`
	Value      any    `json:"value"`
}

// handleEdit applies a single-column update identified by an edit handle
// carrying the row's engine-assigned identity, rather than the base
// table's own primary key.
func handleEdit(conn qwatch.Connection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		schema, table, pk, err := common.DecodeHandle(req.EditHandle)
		if err != nil {
			http.Error(w, "invalid handle: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(pk) == 0 {
			http.Error(w, "no identity info in handle", http.StatusBadRequest)
			return
		}

		var idCol, idVal string
		for k, v := range pk {
			idCol = k
			idVal = fmt.Sprint(v)
			break
		}

		// The handle carries the row ID the engine emits, md5 of the identity
		// column's value, so the match is against md5 of that column.
		stmt := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE md5(%s::text) = $2",
			sqlident.QuoteQualified(schema, table), sqlident.Quote(req.Column), sqlident.Quote(idCol))

		if err := conn.Exec(r.Context(), stmt, req.Value, idVal); err != nil {
			http.Error(w, "update failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
