package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/workerpool"
)

// internal status code threshold for error classification.
const statusThreshold = 300

const (
	errMsgNewRequest = "new request"
	errMsgDoRequest  = "do request"
)

// HTTP sends commands to members over HTTP JSON.
type HTTP struct {
	local     cluster.NodeID
	client    *http.Client
	baseURLFn func(cluster.NodeID) (string, bool) // resolves node id -> base URL (scheme+host)
	pool      *workerpool.Pool
}

// NewHTTP creates an HTTP transport for local. Async sends run on pool when set.
func NewHTTP(local cluster.NodeID, timeout time.Duration, resolver func(cluster.NodeID) (string, bool), pool *workerpool.Pool) *HTTP {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &HTTP{
		local:     local,
		client:    &http.Client{Timeout: timeout},
		baseURLFn: resolver,
		pool:      pool,
	}
}

// MembershipResolver resolves base URLs from membership addresses.
func MembershipResolver(m *cluster.Membership) func(cluster.NodeID) (string, bool) {
	return func(id cluster.NodeID) (string, bool) {
		n, ok := m.Get(id)
		if !ok {
			return "", false
		}

		return n.BaseURL(), true
	}
}

// Invoke encodes cmd once and posts it to every target concurrently.
func (t *HTTP) Invoke(ctx context.Context, targets []cluster.NodeID, cmd commands.Command, mode Mode) *stage.Stage {
	if len(targets) == 0 {
		return stage.Completed(Responses{})
	}

	env, err := commands.Encode(cmd)
	if err != nil {
		return stage.Failed(err)
	}

	payload, err := json.Marshal(&httpInvokeRequest{Origin: string(t.local), Command: env})
	if err != nil {
		return stage.Failed(ewrap.Wrap(err, "marshal invoke request"))
	}

	if mode == Async {
		for _, target := range targets {
			job := func() error {
				_, err := t.post(context.WithoutCancel(ctx), target, payload)

				return err
			}

			if t.pool == nil || t.pool.Submit(job) != nil {
				go func() { _ = job() }()
			}
		}

		return stage.Completed(Responses{})
	}

	stages := make([]*stage.Stage, len(targets))

	for i, target := range targets {
		st := stage.New()
		stages[i] = st

		go func() { st.Complete(t.post(ctx, target, payload)) }()
	}

	return gather(targets, stages)
}

func (t *HTTP) post(ctx context.Context, target cluster.NodeID, payload []byte) (*Response, error) {
	base, ok := t.baseURLFn(target)
	if !ok {
		return nil, remote(target, sentinel.ErrNodeNotFound)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+invokePath, bytes.NewReader(payload))
	if err != nil {
		return nil, remote(target, ewrap.Wrap(err, errMsgNewRequest))
	}

	hreq.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, remote(target, ewrap.Wrap(err, errMsgDoRequest))
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote(target, ewrap.Wrap(err, "read body"))
	}

	var out httpInvokeResponse

	decErr := json.Unmarshal(body, &out)

	if resp.StatusCode >= statusThreshold {
		if decErr == nil && out.Error != "" {
			return nil, remote(target, sentinel.FromCode(out.Code, out.Error))
		}

		return nil, remote(target, ewrap.Newf("invoke status %d body %s", resp.StatusCode, string(body)))
	}

	if decErr != nil {
		return nil, remote(target, ewrap.Wrap(decErr, "decode body"))
	}

	if out.Error != "" {
		return nil, remote(target, sentinel.FromCode(out.Code, out.Error))
	}

	r, err := fromWireResponse(out.Response)
	if err != nil {
		return nil, remote(target, err)
	}

	return r, nil
}

// Health checks a member's health endpoint.
func (t *HTTP) Health(ctx context.Context, target cluster.NodeID) error {
	base, ok := t.baseURLFn(target)
	if !ok {
		return sentinel.ErrNodeNotFound
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+healthPath, nil)
	if err != nil {
		return ewrap.Wrap(err, errMsgNewRequest)
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return ewrap.Wrap(err, errMsgDoRequest)
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return ewrap.Newf("health status %d", resp.StatusCode)
	}

	return nil
}
