package authority

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/wire"
)

func TestClientDecryptSum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/decrypt_sum", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req wire.DecryptSumRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "12345", req.EncryptedSum)
		json.NewEncoder(w).Encode(wire.DecryptSumResponse{DecryptedSum: 425})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	got, err := c.DecryptSum(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, 425.0, got)
}

func TestClientDecryptBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wire.DecryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.EncryptedData.IsBatch())
		json.NewEncoder(w).Encode(wire.DecryptResponse{Values: []float64{1, 2}})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, nil).Decrypt(context.Background(), phe.Batch([]string{"5", "6"}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, resp.Values)
	assert.Nil(t, resp.Value)
}

func TestClientRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "key mismatch"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).DecryptSum(context.Background(), "1")
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnprocessableEntity, re.StatusCode)
	assert.Equal(t, "key mismatch", re.Message)
	assert.False(t, errors.Is(err, ErrUnreachable))
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).DecryptSum(context.Background(), "1")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, &http.Client{Timeout: 50 * time.Millisecond})
	_, err := c.HomomorphicOperations(context.Background(), wire.HomomorphicRequest{Operation: "addition"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientPublicKeyEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).PublicKey(context.Background())
	assert.Error(t, err)
}

func TestClientPinsKey(t *testing.T) {
	seen := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			KeyID string `json:"key_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seen <- body.KeyID
		w.Write([]byte(`{"decrypted_sum": 1, "decrypted_result": 1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.DecryptSum(context.Background(), "1")
	require.NoError(t, err)

	c.SetKeyID("abc123")
	_, err = c.DecryptSum(context.Background(), "1")
	require.NoError(t, err)
	_, err = c.HomomorphicOperations(context.Background(), wire.HomomorphicRequest{Operation: "addition"})
	require.NoError(t, err)

	close(seen)
	var got []string
	for id := range seen {
		got = append(got, id)
	}
	assert.Equal(t, []string{"", "abc123", "abc123"}, got)
}
