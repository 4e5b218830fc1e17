package qwatch

import "github.com/driftwood-labs/qwatch/qcore"

// ErrorKind classifies engine failures per the error-handling design: each
// kind carries its own recovery policy (see Engine.Watch and scheduler.go).
type ErrorKind = qcore.ErrorKind

const (
	// KindUnsupportedSource is raised by the identity rewriter when a
	// referenced base relation cannot carry identity/revision columns
	// (a non-updatable view) or when the query's FROM shape isn't one the
	// rewriter can correlate back to a single base relation.
	KindUnsupportedSource = qcore.KindUnsupportedSource
	// KindIntrospection is raised by the column introspector.
	KindIntrospection = qcore.KindIntrospection
	// KindTriggerInstall is raised by the trigger installer.
	KindTriggerInstall = qcore.KindTriggerInstall
	// KindDiff is raised by the diff engine. Non-fatal to the watcher.
	KindDiff = qcore.KindDiff
	// KindConnectionLost is raised by any phase when the underlying
	// connection fails. Fatal to the whole engine instance.
	KindConnectionLost = qcore.KindConnectionLost
)

// Error is the engine's single error type. Callers branch on Kind rather
// than on sentinel values or concrete types.
type Error = qcore.Error

// NewRelErr builds an Error carrying the base relation it concerns. It
// re-exports qcore.NewRelErr; identity, which qwatch imports, calls
// qcore.NewRelErr directly.
func NewRelErr(kind ErrorKind, relation string, err error) *Error {
	return qcore.NewRelErr(kind, relation, err)
}

func newErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
