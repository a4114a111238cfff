package webui

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"GoBooruLoader/internal/core"
	"GoBooruLoader/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusEndpoint(t *testing.T) {
	// Arrange
	stats := core.NewSessionStats()
	stats.AddCycle(4)
	board := NewBoard(stats)
	board.Update("yandere-tags", core.StateWatching, "次回: 10:00")
	board.Update("danbooru-tags", core.StateRunning, "")
	server := httptest.NewServer(NewHandler(board))
	defer server.Close()

	// Act
	resp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Assert
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 1, got.Cycles)
	assert.Equal(t, 4, got.Entries)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "danbooru-tags", got.Tasks[0].Task)
	assert.Equal(t, "実行中", got.Tasks[0].State)
	assert.Equal(t, "監視中", got.Tasks[1].State)
	assert.Equal(t, "次回: 10:00", got.Tasks[1].Detail)
}

func TestStatusEndpoint_RejectsPost(t *testing.T) {
	server := httptest.NewServer(NewHandler(NewBoard(nil)))
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.TaskErrors.WithLabelValues("webui-test").Inc()
	server := httptest.NewServer(NewHandler(NewBoard(nil)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `gbl_task_errors_total{task="webui-test"}`)
}

func TestStartAndShutdown(t *testing.T) {
	s, err := Start("127.0.0.1:0", NewBoard(nil))
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}
