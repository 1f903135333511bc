package main

import (
	"context"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

func TestParsePeers(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]string{}},
		{name: "two members", raw: "b=127.0.0.1:7001, c=127.0.0.1:7002", want: map[string]string{"b": "127.0.0.1:7001", "c": "127.0.0.1:7002"}},
		{name: "trailing comma", raw: "b=h:1,", want: map[string]string{"b": "h:1"}},
		{name: "missing address", raw: "b=", wantErr: true},
		{name: "missing separator", raw: "b", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parsePeers(tc.raw)
			if tc.wantErr {
				assert.True(t, err != nil)

				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMembershipFor(t *testing.T) {
	m, err := membershipFor(settings{NodeID: "a", Address: "h:0"})
	assert.NoError(t, err)
	assert.True(t, m == nil)

	m, err = membershipFor(settings{NodeID: "a", Address: "h:0", Peers: "b=h:1,c=h:2", Replication: 2})
	assert.NoError(t, err)
	assert.Equal(t, 3, len(m.List()))
	assert.Equal(t, 2, len(m.Ring().Lookup("some-key")))

	_, err = membershipFor(settings{NodeID: "a", Address: "h:0", Peers: "a=h:1"})
	assert.True(t, err != nil)
}

func TestReplicationModeAndLogger(t *testing.T) {
	mode, err := replicationMode("ASYNC")
	assert.NoError(t, err)
	assert.Equal(t, transport.Async, mode)

	_, err = replicationMode("eventually")
	assert.True(t, err != nil)

	l, err := newLogger("logrus", "warn")
	assert.NoError(t, err)

	_, ok := l.(logging.Logrus)
	assert.True(t, ok)

	_, err = newLogger("stdout", "info")
	assert.True(t, err != nil)
}

func TestNodeOptionsRejectsUnknownStore(t *testing.T) {
	_, _, err := nodeOptions(context.Background(), settings{NodeID: "a", Stores: []string{"tape"}}, logging.Nop{})
	assert.True(t, err != nil)

	opts, closers, err := nodeOptions(context.Background(), settings{NodeID: "a", Stores: []string{"bigcache"}, Passivation: true}, logging.Nop{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(closers))
	assert.True(t, len(opts) > 0)

	closeAll(closers, logging.Nop{})
}
