package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// opsMux builds the kind of handler the storage service actually mounts:
// a JSON health endpoint plus a metrics snapshot endpoint.
func opsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/metricsz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"degraded_backlog": 0})
	})
	return mux
}

// startOpsServer boots a manager on a random port and returns it together
// with the reachable base URL.
func startOpsServer(t *testing.T) (*Manager, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Addr = ":0"
	m := NewManager(opsMux(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return m, "http://" + m.listener.Addr().String()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestServesHealthAndMetricsEndpoints(t *testing.T) {
	_, base := startOpsServer(t)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])

	resp2, err := http.Get(base + "/metricsz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "application/json", resp2.Header.Get("Content-Type"))
}

func TestShutdownStopsServing(t *testing.T) {
	m, base := startOpsServer(t)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	_, err := http.Get(base + "/healthz")
	assert.Error(t, err, "endpoints must be unreachable after shutdown")
}

func TestStartIsExclusive(t *testing.T) {
	m, _ := startOpsServer(t)

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestStartFailsOnOccupiedPort(t *testing.T) {
	_, base := startOpsServer(t)

	// Second manager on the exact same address: Listen fails synchronously
	// instead of surfacing later through the error channel.
	cfg := DefaultConfig()
	cfg.Addr = base[len("http://"):]
	dup := NewManager(opsMux(), cfg, zap.NewNop())
	err := dup.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestShutdownIsIdempotentAndFinal(t *testing.T) {
	m, _ := startOpsServer(t)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")

	// The closed flag is terminal; a stopped manager cannot be restarted.
	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func TestManagerCarriesHardenedTLSConfig(t *testing.T) {
	m := NewManager(opsMux(), DefaultConfig(), zap.NewNop())

	require.NotNil(t, m.server.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), m.server.TLSConfig.MinVersion)
}

func TestConfigTimeoutsReachHTTPServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 7 * time.Second
	cfg.WriteTimeout = 9 * time.Second
	cfg.MaxHeaderBytes = 2 << 10
	m := NewManager(opsMux(), cfg, zap.NewNop())

	assert.Equal(t, 7*time.Second, m.server.ReadTimeout)
	assert.Equal(t, 9*time.Second, m.server.WriteTimeout)
	assert.Equal(t, 2<<10, m.server.MaxHeaderBytes)
}

func TestErrorsChannelStaysQuietWhileHealthy(t *testing.T) {
	m, _ := startOpsServer(t)

	select {
	case err := <-m.Errors():
		t.Fatalf("unexpected server error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
