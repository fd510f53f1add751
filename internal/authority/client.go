// Package authority is the query service's client for the decryption
// authority. Only ciphertexts cross this boundary.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/wire"
)

// ErrUnreachable is returned when the authority cannot be contacted.
var ErrUnreachable = errors.New("decryption authority unreachable")

// RemoteError is a non-2xx answer from the authority.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("authority returned %d: %s", e.StatusCode, e.Message)
}

// DefaultTimeout bounds a single authority call.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// Client calls the authority's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	keyID   atomic.Pointer[string]
}

// NewClient returns a client for baseURL. A nil httpClient gets
// DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the authority address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health checks that the authority is up.
func (c *Client) Health(ctx context.Context) error {
	var resp wire.HealthResponse
	return c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

// PublicKey fetches the authority's public key.
func (c *Client) PublicKey(ctx context.Context) (*phe.PublicKey, error) {
	var resp wire.PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/publickey", nil, &resp); err != nil {
		return nil, err
	}
	if resp.PublicKey == nil {
		return nil, fmt.Errorf("public key: empty response")
	}
	c.SetKeyID(resp.PublicKey.ID())
	return resp.PublicKey, nil
}

// SetKeyID pins later requests to a key. The authority rejects requests
// for any other key with 422. PublicKey sets it automatically.
func (c *Client) SetKeyID(id string) { c.keyID.Store(&id) }

func (c *Client) pinnedKey() string {
	if p := c.keyID.Load(); p != nil {
		return *p
	}
	return ""
}

// Decrypt asks the authority to decrypt a scalar or batch input.
func (c *Client) Decrypt(ctx context.Context, in phe.CiphertextInput) (*wire.DecryptResponse, error) {
	var resp wire.DecryptResponse
	if err := c.do(ctx, http.MethodPost, "/decrypt", wire.DecryptRequest{EncryptedData: in, KeyID: c.pinnedKey()}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecryptSum asks the authority to decrypt one aggregated ciphertext.
func (c *Client) DecryptSum(ctx context.Context, encryptedSum string) (float64, error) {
	var resp wire.DecryptSumResponse
	if err := c.do(ctx, http.MethodPost, "/decrypt_sum", wire.DecryptSumRequest{EncryptedSum: encryptedSum, KeyID: c.pinnedKey()}, &resp); err != nil {
		return 0, err
	}
	return resp.DecryptedSum, nil
}

// HomomorphicOperations asks the authority to combine and decrypt.
func (c *Client) HomomorphicOperations(ctx context.Context, req wire.HomomorphicRequest) (float64, error) {
	if req.KeyID == "" {
		req.KeyID = c.pinnedKey()
	}
	var resp wire.HomomorphicResponse
	if err := c.do(ctx, http.MethodPost, "/homomorphic_operations", req, &resp); err != nil {
		return 0, err
	}
	return resp.DecryptedResult, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnreachable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e wire.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &RemoteError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
