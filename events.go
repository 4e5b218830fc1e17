package qwatch

// EventType names the kind of event a Subscription delivers, per the
// external event protocol: a payload-less marker that the watcher has
// finished setup (ready), one event per row add/change/removal, a batch
// marker once a diff pass finishes (changes), and errors.
type EventType string

const (
	EventReady   EventType = "ready"
	EventInsert  EventType = "insert"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
	EventChanges EventType = "changes"
	EventError   EventType = "error"
)

// Row is one result row, addressed by its engine-assigned identity.
type Row struct {
	ID string
	// Rn is the row's row_number() position in the query's current result,
	// for subscribers that need stable ordering. Unset (0) for a deleted
	// row.
	Rn      int64
	Columns []string
	Values  []any
}

// Event is a single message delivered on a Subscription's channel.
type Event struct {
	Type EventType

	// Row is set for EventInsert/EventUpdate/EventDelete.
	Row *Row
	// Rows is set for EventChanges: the batch of rows touched by the diff
	// pass that just completed, in the same order as the per-row events
	// preceding it. Unset for EventReady, which carries no payload.
	Rows []Row

	// Err is set for EventError.
	Err error
}
