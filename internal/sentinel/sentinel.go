// Package sentinel provides standardized error definitions for the hypergrid system.
// This package centralizes all error types used across the invocation pipeline,
// ensuring consistent error handling and messaging throughout the application.
//
// The errors defined here cover:
// - Invalid configuration parameters (keys, capacity, chain layout)
// - Concurrency failures (lock timeouts, write-skew conflicts, stale topology)
// - Collaborator failures (persistence stores, remote nodes)
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities. Callers classify them with errors.Is.
package sentinel

import (
	"errors"

	"github.com/hyp3rd/ewrap"
)

var (
	// ErrInvalidKey is returned when an empty or whitespace-only key reaches the pipeline.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrNilClient is returned when a nil client is passed to a store.
	ErrNilClient = ewrap.New("nil client")

	// ErrInvalidCapacity is returned when an invalid capacity is passed to the container.
	ErrInvalidCapacity = ewrap.New("capacity cannot be negative")

	// ErrInvalidSize is returned when the encoded size of a value cannot be computed.
	ErrInvalidSize = ewrap.New("invalid size")

	// ErrAlgorithmNotFound is returned when an eviction policy is not registered.
	ErrAlgorithmNotFound = ewrap.New("algorithm not found")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrNodeNotFound is returned when a transport cannot resolve a target node.
	ErrNodeNotFound = ewrap.New("node not found")

	// ErrLockTimeout is returned when a per-key lock could not be acquired in time.
	// Callers may retry.
	ErrLockTimeout = ewrap.New("lock acquisition timed out")

	// ErrWriteSkew is returned by a prepare when a key changed after the transaction read it.
	// The transaction must abort; it is never retried automatically.
	ErrWriteSkew = ewrap.New("write skew detected")

	// ErrOutdatedTopology is returned when a command was routed using a stale ownership view.
	// Callers re-resolve ownership and resubmit.
	ErrOutdatedTopology = ewrap.New("outdated topology")

	// ErrPersistence is returned when an external store fails to load, write or delete.
	ErrPersistence = ewrap.New("persistence failure")

	// ErrRemoteInvocation is returned when a command fails on a remote node.
	ErrRemoteInvocation = ewrap.New("remote invocation failed")

	// ErrRollbackOnly is returned when committing a transaction that was marked rollback-only.
	ErrRollbackOnly = ewrap.New("transaction is marked rollback-only")

	// ErrInvalidTransactionState is returned when a transaction is used after completion.
	ErrInvalidTransactionState = ewrap.New("invalid transaction state")

	// ErrChainConfiguration is returned by interceptor chain mutations that would
	// duplicate an interceptor type or reference a missing one.
	ErrChainConfiguration = ewrap.New("interceptor chain configuration error")

	// ErrInvalidConfiguration is returned when a node is built with options it cannot honor together.
	ErrInvalidConfiguration = ewrap.New("invalid configuration")

	// ErrUnknownCommand is returned when a command variant has no handler.
	ErrUnknownCommand = ewrap.New("unknown command")

	// ErrShuttingDown is returned when a node rejects work while stopping.
	ErrShuttingDown = ewrap.New("node is shutting down")

	// ErrTimeoutOrCanceled is returned when a timeout or cancellation occurs while waiting on a stage.
	ErrTimeoutOrCanceled = ewrap.New("the operation timed out or was canceled")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")
)

// IsRetriable reports whether err is a failure the caller may resubmit:
// a lock timeout or a stale topology. Write skew is deliberately excluded.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrOutdatedTopology)
}

// codes maps wire codes to the sentinels they rehydrate into.
//
//nolint:gochecknoglobals
var codes = map[string]error{
	"invalid_key":       ErrInvalidKey,
	"node_not_found":    ErrNodeNotFound,
	"lock_timeout":      ErrLockTimeout,
	"write_skew":        ErrWriteSkew,
	"outdated_topology": ErrOutdatedTopology,
	"persistence":       ErrPersistence,
	"remote":            ErrRemoteInvocation,
	"rollback_only":     ErrRollbackOnly,
	"unknown_command":   ErrUnknownCommand,
	"shutting_down":     ErrShuttingDown,
}

// Code returns the wire code of the first sentinel err matches, or "" when none does.
func Code(err error) string {
	if err == nil {
		return ""
	}

	// most specific causes first: a remote failure usually wraps one of these
	for _, code := range []string{
		"write_skew", "outdated_topology", "lock_timeout", "persistence",
		"rollback_only", "invalid_key", "unknown_command", "shutting_down", "node_not_found", "remote",
	} {
		if errors.Is(err, codes[code]) {
			return code
		}
	}

	return ""
}

// FromCode rebuilds an error received over the wire so that errors.Is keeps working
// on the receiving side. Unknown codes produce a plain error carrying msg.
func FromCode(code, msg string) error {
	if known, ok := codes[code]; ok {
		return ewrap.Wrap(known, msg)
	}

	return ewrap.New(msg)
}
