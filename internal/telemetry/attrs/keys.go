// Package attrs defines the OpenTelemetry attribute keys recorded by the tracing
// interceptor so spans and metrics share the same names.
package attrs

const (
	// AttrCommand is the command kind (get, put, prepare, ...).
	AttrCommand = "grid.command"
	// AttrKeyLength is the length in bytes of the key a command targets.
	AttrKeyLength = "key.len"
	// AttrKeysCount is the number of keys a multi-key command targets.
	AttrKeysCount = "keys.count"
	// AttrOrigin is "local" or the id of the member that sent the command.
	AttrOrigin = "grid.origin"
	// AttrTransactional marks commands issued inside a transaction.
	AttrTransactional = "grid.tx"
	// AttrFlags is the textual flag set of the command.
	AttrFlags = "grid.flags"
	// AttrNode is the id of the member that ran the command.
	AttrNode = "grid.node"
	// AttrOutcome is "ok" or the wire code of the failure.
	AttrOutcome = "grid.outcome"
)
