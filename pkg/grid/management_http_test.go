package grid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
)

// TestManagementHTTP_Endpoints spins up the management HTTP server on an ephemeral
// port and validates the read and control endpoints.
func TestManagementHTTP_Endpoints(t *testing.T) {
	ctx := context.Background()
	n := newStandalone(t, WithManagementHTTP("127.0.0.1:0"))

	_, err := n.Put(ctx, "k", "v")
	assert.NoError(t, err)

	// wait briefly for listener
	time.Sleep(30 * time.Millisecond)

	addr := n.ManagementHTTPAddress()
	assert.True(t, addr != "")

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr

	getJSON := func(path string) map[string]any {
		t.Helper()

		resp, err := client.Get(base + path)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any

		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()

		return body
	}

	resp, err := client.Get(base + "/health")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	stats := getJSON("/stats")
	assert.Equal(t, float64(1), stats["size"])
	assert.Equal(t, float64(0), stats["locks"])

	counters, ok := stats["counters"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, float64(1), counters["stores"])

	cfg := getJSON("/config")
	assert.Equal(t, "lru", cfg["evictionPolicy"])
	assert.Equal(t, false, cfg["clustered"])

	chain := getJSON("/chain")
	layout, ok := chain["interceptors"].([]any)
	assert.True(t, ok)
	assert.Equal(t, "*interceptor.Guard", layout[0])

	owners := getJSON("/cluster/owners?key=k")
	assert.Equal(t, []any{"local"}, owners["owners"])

	resp, err = client.Get(base + "/metrics")
	assert.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	_ = resp.Body.Close()
	assert.True(t, strings.Contains(string(raw), `hypergrid_stores_total{node="local"} 1`))

	resp, err = client.Post(base+"/evict?key=k", "text/plain", nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	_, held := n.Peek("k")
	assert.False(t, held)

	resp, err = client.Post(base+"/evict?key=k", "text/plain", nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.Get(base + "/cluster/owners")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
