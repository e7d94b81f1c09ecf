package client

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/pkg/registry"
)

func TestCredentialsApply(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Credentials{TenantID: "acme", UserID: "alice", AgentID: "worker:1.0.0"}.apply(req)
	assert.Equal(t, "acme", req.Header.Get("X-Tenant-ID"))
	assert.Equal(t, "alice", req.Header.Get("X-User-ID"))
	assert.Equal(t, "worker:1.0.0", req.Header.Get("X-Agent-ID"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestCredentialsBearerWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Credentials{TenantID: "acme", BearerToken: "tok"}.apply(req)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("X-Tenant-ID"))
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusNotFound, `{"error":"no such agent"}`, ErrNotFound},
		{http.StatusForbidden, `{"error":"tenant mismatch"}`, ErrForbidden},
		{http.StatusUnauthorized, `{"error":"missing identity"}`, ErrForbidden},
		{http.StatusServiceUnavailable, `{"error":"backbone down"}`, ErrUnavailable},
		{http.StatusBadRequest, `{"error":"invalid envelope field 'topic'"}`, ErrBadRequest},
		{http.StatusConflict, `{"error":"conflicting record"}`, ErrBadRequest},
	}
	for _, tt := range tests {
		resp := &http.Response{
			StatusCode: tt.status,
			Body:       io.NopCloser(strings.NewReader(tt.body)),
		}
		err := statusError(resp)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestStatusErrorPassesSuccess(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}
	assert.NoError(t, statusError(resp))
}

func TestStatusErrorUnknownStatus(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTeapot,
		Body:       io.NopCloser(strings.NewReader("nope")),
	}
	err := statusError(resp)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadRequest)
	assert.Contains(t, err.Error(), "418")
}

func TestReadSSEFrame(t *testing.T) {
	input := ": keepalive\n" +
		"event: subscription\n" +
		"id: sub-1\n" +
		"data: {\"subscription_id\":\"sub-1\"}\n" +
		"\n" +
		"event: task.created\n" +
		"id: evt-1\n" +
		"data: {\"event_id\":\"evt-1\"}\n" +
		"\n"
	reader := bufio.NewReader(strings.NewReader(input))

	first, err := readSSEFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, "subscription", first.event)
	assert.Equal(t, "sub-1", first.id)
	assert.JSONEq(t, `{"subscription_id":"sub-1"}`, first.data)

	second, err := readSSEFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, "task.created", second.event)
	assert.Equal(t, "evt-1", second.id)
}

func TestReadSSEFrameMultilineData(t *testing.T) {
	input := "data: line one\n" +
		"data: line two\n" +
		"\n"
	frame, err := readSSEFrame(bufio.NewReader(strings.NewReader(input)))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", frame.data)
}

func TestReadSSEFrameEOF(t *testing.T) {
	_, err := readSSEFrame(bufio.NewReader(strings.NewReader(": only a comment\n")))
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeartbeatLoopReRegistersOn404(t *testing.T) {
	reg := newFakeRegistry()
	reg.heartbeatErrs = []error{ErrNotFound}

	def := &registry.AgentDefinition{Name: "worker", Version: "1.0.0", TTLSeconds: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	err := HeartbeatLoop(ctx, reg, def)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	registered, heartbeats := reg.counts()
	assert.Equal(t, 1, registered, "the 404 triggers exactly one re-registration")
	assert.GreaterOrEqual(t, heartbeats, 2)
}

func TestNextBackoffCaps(t *testing.T) {
	b := 10 * time.Second
	for i := 0; i < 6; i++ {
		b = nextBackoff(b)
	}
	assert.Equal(t, maxHeartbeatBackoff, b)
}
