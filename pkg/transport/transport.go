// Package transport delivers commands to other cluster members and collects their
// responses. Two implementations are provided: an in-process registry used by
// embedded clusters and tests, and an HTTP transport backed by fiber.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Mode selects whether the caller waits for responses.
type Mode uint8

const (
	// Sync completes the stage once every target answered.
	Sync Mode = iota
	// Async completes the stage immediately; failures only reach the error handler.
	Async
)

// Response is what a member returns for a command.
type Response struct {
	Value      any                           `json:"value,omitempty"`
	Entry      *entry.InternalEntry          `json:"entry,omitempty"`
	Versions   map[string]versioning.Version `json:"versions,omitempty"`
	Successful bool                          `json:"successful"`

	// Volatile marks an entry read while a write of its key was in flight. The
	// requestor uses it for the current read and keeps no L1 copy.
	Volatile bool `json:"volatile,omitempty"`
}

// Volatile is the chain result of a read an owner answered while the key was
// being written.
type Volatile struct {
	Entry *entry.InternalEntry
}

// Responses maps a target to its response.
type Responses map[cluster.NodeID]*Response

// Handler executes commands received from other members.
type Handler interface {
	HandleRemote(ctx context.Context, origin cluster.NodeID, cmd commands.Command) (*Response, error)
}

// Transport sends commands to members. The returned stage carries Responses.
type Transport interface {
	Invoke(ctx context.Context, targets []cluster.NodeID, cmd commands.Command, mode Mode) *stage.Stage
}

// RemoteError is a failure reported by, or while reaching, a member.
// errors.Is matches both sentinel.ErrRemoteInvocation and the underlying cause.
type RemoteError struct {
	Node cluster.NodeID
	Err  error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }

// Unwrap returns the cause.
func (e *RemoteError) Unwrap() error { return e.Err }

// Is matches sentinel.ErrRemoteInvocation.
func (e *RemoteError) Is(target error) bool { return target == sentinel.ErrRemoteInvocation }

// FromStage unwraps the Responses carried by a transport stage value.
func FromStage(v any) Responses {
	if r, ok := v.(Responses); ok {
		return r
	}

	return Responses{}
}

// gather combines per-target stages into one stage resolving to Responses.
func gather(targets []cluster.NodeID, stages []*stage.Stage) *stage.Stage {
	return stage.AllOf(stages...).Compose(func(v any, err error) *stage.Stage {
		values, _ := v.([]any)
		out := make(Responses, len(targets))

		for i, target := range targets {
			if i < len(values) {
				if r, ok := values[i].(*Response); ok {
					out[target] = r
				}
			}
		}

		if err != nil {
			return stage.Failed(err)
		}

		return stage.Completed(out)
	})
}

// remote tags err with node unless it already carries one.
func remote(node cluster.NodeID, err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}

	return &RemoteError{Node: node, Err: err}
}
