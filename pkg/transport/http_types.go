package transport

import (
	"time"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/entry"
)

// Shared HTTP request/response DTOs for the member-to-member endpoint.
type httpInvokeRequest struct {
	Origin  string            `json:"origin"`
	Command commands.Envelope `json:"command"`
}

type httpInvokeResponse struct {
	Response *wireResponse `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
}

// wireResponse is the JSON form of Response. Values go through the typed value
// codec so scalars keep their Go type.
type wireResponse struct {
	Value      *commands.WireValue   `json:"value,omitempty"`
	Entry      *wireEntry            `json:"entry,omitempty"`
	Versions   []commands.KeyVersion `json:"versions,omitempty"`
	Successful bool                  `json:"successful"`
	Volatile   bool                  `json:"volatile,omitempty"`
}

type wireEntry struct {
	Key      string              `json:"key"`
	Value    *commands.WireValue `json:"value,omitempty"`
	Metadata entry.Metadata      `json:"metadata"`
	Created  time.Time           `json:"created"`
	LastUsed time.Time           `json:"last_used"`
	Size     int64               `json:"size"`
}

const (
	invokePath  = "/internal/grid/invoke"
	healthPath  = "/health"
	contentType = "application/json"
)

func toWireResponse(r *Response) (*wireResponse, error) {
	if r == nil {
		return nil, nil //nolint:nilnil
	}

	v, err := commands.EncodeValue(r.Value)
	if err != nil {
		return nil, err
	}

	out := &wireResponse{
		Value:      v,
		Versions:   commands.VersionsToWire(r.Versions),
		Successful: r.Successful,
		Volatile:   r.Volatile,
	}

	if r.Entry != nil {
		ev, err := commands.EncodeValue(r.Entry.Value)
		if err != nil {
			return nil, err
		}

		out.Entry = &wireEntry{
			Key:      r.Entry.Key,
			Value:    ev,
			Metadata: r.Entry.Metadata,
			Created:  r.Entry.Created,
			LastUsed: r.Entry.LastUsed,
			Size:     r.Entry.Size,
		}
	}

	return out, nil
}

func fromWireResponse(w *wireResponse) (*Response, error) {
	if w == nil {
		return &Response{}, nil
	}

	v, err := commands.DecodeValue(w.Value)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Value:      v,
		Versions:   commands.VersionsFromWire(w.Versions),
		Successful: w.Successful,
		Volatile:   w.Volatile,
	}

	if w.Entry != nil {
		ev, err := commands.DecodeValue(w.Entry.Value)
		if err != nil {
			return nil, err
		}

		out.Entry = &entry.InternalEntry{
			Key:      w.Entry.Key,
			Value:    ev,
			Metadata: w.Entry.Metadata,
			Created:  w.Entry.Created,
			LastUsed: w.Entry.LastUsed,
			Size:     w.Entry.Size,
		}
	}

	return out, nil
}
