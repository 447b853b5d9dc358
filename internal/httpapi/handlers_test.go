package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fostrom-dev/fostrom-agent/internal/creds"
	"github.com/fostrom-dev/fostrom-agent/internal/moonlight"
	"github.com/fostrom-dev/fostrom-agent/internal/notify"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	c, err := creds.New("ABCDEFGH", "ABCDEFGHIJ", "FOS-ABCDEFGHIJKLMNOPQRSTUVWXYZ012345", false)
	require.NoError(t, err)
	sup := moonlight.NewSupervisor(c, moonlight.ConnectModeLocal, 9999, nil, nil)
	hub := notify.NewHub(16)
	return New(t.TempDir()+"/agent.sock", false, 0, sup, hub)
}

func TestHandleIndexAndStatus(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status moonlight.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Connected)
}

func TestHandlePulseValidation(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/pulse", strings.NewReader(`{"name":""}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/pulse", strings.NewReader(`{"name":"x","type":"bogus"}`))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePulseWithoutSessionReturnsServiceUnavailable(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/pulse", strings.NewReader(`{"name":"x","type":"datapoint"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMailboxNextWithoutSession(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mailbox/next", strings.NewReader(`{"header_only":true}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMailboxNextEmptyBodyWithoutSession(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mailbox/next", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMailboxAckInvalidPulseID(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mailbox/ack", strings.NewReader(`{"pulse_id":"not-a-number","ack_type":"ack"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMailboxAckInvalidAckType(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mailbox/ack", strings.NewReader(`{"pulse_id":"5","ack_type":"bogus"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEventsStreamsCatchupAndLive(t *testing.T) {
	hub := notify.NewHub(16)
	hub.Notify("connected", "")

	c, err := creds.New("ABCDEFGH", "ABCDEFGHIJ", "FOS-ABCDEFGHIJKLMNOPQRSTUVWXYZ012345", false)
	require.NoError(t, err)
	sup := moonlight.NewSupervisor(c, moonlight.ConnectModeLocal, 9999, nil, nil)
	s := New(t.TempDir()+"/agent.sock", false, 0, sup, hub)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	hub.Notify("new_mail", "")
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: new_mail")
}

func TestHandleStopAnswersBeforeCancellingRunContext(t *testing.T) {
	s := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context was not cancelled after /stop")
	}
}
