package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/metrics"
)

func newTestServer(t *testing.T) (*httptest.Server, *config.Cell) {
	t.Helper()
	cell := config.NewCell(config.Default())
	server := New("unused", cell, metrics.NewRegistry())
	return httptest.NewServer(server.http.Handler), cell
}

func TestGetConfig_ReturnsTheLiveSnapshot(t *testing.T) {
	srv, cell := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got config.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, cell.Load().Speed.String(), got.Speed.String())
}

func TestPutConfig_ReplacesTheLiveSnapshot(t *testing.T) {
	srv, cell := newTestServer(t)
	defer srv.Close()

	updated := config.Default()
	updated.Speed = config.BpsSpeed(4096)
	body, err := json.Marshal(updated)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/config", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	bps, bounded := cell.Load().Speed.Bps()
	assert.True(t, bounded)
	assert.Equal(t, uint64(4096), bps)
}

func TestPutConfig_RejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/config", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfig_RejectsUnsupportedMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/config", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetrics_IsServedAtSlashMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
