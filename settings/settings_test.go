package settings

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggerv2 "mcprun/logger/v2"
)

func TestAnonymousIDPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	first, err := New(loggerv2.NewNoop(), WithConfigDir(dir))
	require.NoError(t, err)
	defer first.Close()

	id := first.AnonymousID()
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr, "anonymous id must be a UUID")

	second, err := New(loggerv2.NewNoop(), WithConfigDir(dir))
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, id, second.AnonymousID())
}

func TestCorruptSettingsFileRecreated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, settingsFileName), []byte("{not json"), 0o600))

	svc, err := New(loggerv2.NewNoop(), WithConfigDir(dir))
	require.NoError(t, err)
	defer svc.Close()
	assert.NotEmpty(t, svc.AnonymousID())
}

func TestAnalyticsOptOutPersisted(t *testing.T) {
	dir := t.TempDir()

	svc, err := New(loggerv2.NewNoop(), WithConfigDir(dir))
	require.NoError(t, err)
	defer svc.Close()

	assert.True(t, svc.AnalyticsEnabled(), "analytics defaults to enabled")
	require.NoError(t, svc.SetAnalyticsEnabled(false))

	reloaded, err := New(loggerv2.NewNoop(), WithConfigDir(dir))
	require.NoError(t, err)
	defer reloaded.Close()
	assert.False(t, reloaded.AnalyticsEnabled())
}

func TestTrackToolCallPostsEvent(t *testing.T) {
	var mu sync.Mutex
	var events []usageEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev usageEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	svc, err := New(loggerv2.NewNoop(), WithConfigDir(t.TempDir()), WithAnalyticsURL(srv.URL))
	require.NoError(t, err)

	svc.TrackToolCall("acme/search", "search")
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "tool_call", events[0].Event)
	assert.Equal(t, "acme/search", events[0].Server)
	assert.Equal(t, "search", events[0].Tool)
	assert.Equal(t, svc.AnonymousID(), events[0].AnonymousID)
}

func TestTrackToolCallRespectsOptOut(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	svc, err := New(loggerv2.NewNoop(), WithConfigDir(t.TempDir()), WithAnalyticsURL(srv.URL))
	require.NoError(t, err)
	require.NoError(t, svc.SetAnalyticsEnabled(false))

	svc.TrackToolCall("acme/search", "search")
	svc.Close()
	assert.Equal(t, 0, hits)
}

func TestTrackToolCallFailureIsSwallowed(t *testing.T) {
	svc, err := New(loggerv2.NewNoop(), WithConfigDir(t.TempDir()),
		WithAnalyticsURL("http://127.0.0.1:1/unreachable"))
	require.NoError(t, err)

	// Must not panic, block, or surface an error.
	svc.TrackToolCall("acme/search", "search")
	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked on a failed analytics send")
	}
}

func TestTrackAfterCloseIsNoop(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	svc, err := New(loggerv2.NewNoop(), WithConfigDir(t.TempDir()), WithAnalyticsURL(srv.URL))
	require.NoError(t, err)
	svc.Close()

	svc.TrackToolCall("acme/search", "search")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hits)
}
