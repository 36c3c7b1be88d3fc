package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"score":0.9}`)
	sig := Sign(payload, "s3cret")
	assert.True(t, Verify(payload, "s3cret", sig))
	assert.False(t, Verify(payload, "other", sig))
	assert.False(t, Verify([]byte(`{"score":0.1}`), "s3cret", sig))
	assert.False(t, Verify(payload, "s3cret", "not-hex"))
}

func TestSenderSignsAndPosts(t *testing.T) {
	var got Event
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		headers = r.Header.Clone()
		if !Verify(body, "s3cret", r.Header.Get(HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "s3cret", "test")
	require.NoError(t, s.Send(context.Background(), "alert.risk", map[string]any{"score": 0.9}))

	assert.Equal(t, "alert.risk", got.Type)
	assert.Equal(t, "alert.risk", headers.Get(HeaderEvent))
	assert.NotEmpty(t, headers.Get(HeaderTimestamp))
	assert.Equal(t, got.ID, headers.Get(HeaderDelivery))
}

func TestSenderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "test").WithRetry(3, time.Millisecond)
	require.NoError(t, s.Send(context.Background(), "x", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSenderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "test").WithRetry(3, time.Millisecond)
	err := s.Send(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "nope", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}
