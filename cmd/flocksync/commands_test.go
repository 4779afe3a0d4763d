package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"flocksync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOperation(t *testing.T) {
	op, err := buildOperation(models.KindCheckIn, "", "", []byte(`{"person_id":12,"event_id":4}`))
	require.NoError(t, err)
	checkin, ok := op.(models.CheckIn)
	require.True(t, ok)
	assert.Equal(t, int64(12), checkin.PersonID)
	assert.Equal(t, "/checkins", op.Endpoint())

	op, err = buildOperation(models.KindHTTP, "delete", "/groups/3/members/12", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, op.Method())
	assert.NoError(t, op.Validate())

	_, err = buildOperation(models.KindRsvp, "POST", "", []byte(`{}`))
	assert.Error(t, err)

	_, err = buildOperation("unknown", "", "", []byte(`{}`))
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	got, err := readPayload(strings.NewReader(" {\"a\":1}\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	got, err = readPayload(nil, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = readPayload(nil, `{"b":2}`)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(got))
}

func writeConfig(t *testing.T, remoteURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
app:
  name: flocksync
  environment: test
database:
  path: %s
remote:
  base_url: %s
  token: test-token
  tenant_id: grace
logging:
  level: error
  output: stderr
cache:
  backend: sqlite
`, filepath.Join(dir, "flocksync.db"), remoteURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEnqueueSyncStatusRoundTrip(t *testing.T) {
	var hits atomic.Int32
	var lastAuth atomic.Value
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		lastAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(remote.Close)

	cfgPath := writeConfig(t, remote.URL)

	out, err := execute(t, "--config", cfgPath, "enqueue", "checkin", "--data", `{"person_id":12,"event_id":4}`)
	require.NoError(t, err)
	var row models.QueuedOperation
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	assert.Equal(t, models.StatusPending, row.Status)
	assert.Equal(t, models.KindCheckIn, row.Kind)
	assert.Zero(t, hits.Load())

	out, err = execute(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	var status models.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 0, status.Queue.Pending)
	assert.Equal(t, 1, status.Queue.Completed)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, "Bearer test-token", lastAuth.Load())

	out, err = execute(t, "--config", cfgPath, "status", "--log", "5")
	require.NoError(t, err)
	var report struct {
		Status  models.SyncStatus     `json:"status"`
		SyncLog []models.SyncLogEntry `json:"sync_log"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Status.Queue.Completed)
	require.NotEmpty(t, report.SyncLog)
	assert.Equal(t, models.LogTypeSync, report.SyncLog[0].Type)
	assert.Equal(t, models.LogStatusCompleted, report.SyncLog[0].Status)

	out, err = execute(t, "--config", cfgPath, "failed")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}
