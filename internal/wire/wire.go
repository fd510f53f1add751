// Package wire defines the JSON bodies exchanged between the query service,
// the decryption authority and clients.
//
// Ciphertexts travel as decimal integer strings. Plaintext results are
// plain JSON numbers.
package wire

import (
	"encoding/json"

	"github.com/luxfi/phe"
)

// Authority API.

// DecryptRequest is the body of POST /decrypt. KeyID, when set, must name
// the authority's key.
type DecryptRequest struct {
	EncryptedData phe.CiphertextInput `json:"encrypted_data"`
	KeyID         string              `json:"key_id,omitempty"`
}

// DecryptResponse carries decrypted_value for a scalar request and
// decrypted_values for a batch.
type DecryptResponse struct {
	Value  *float64  `json:"decrypted_value,omitempty"`
	Values []float64 `json:"decrypted_values,omitempty"`
}

// MarshalJSON always emits decrypted_values for a batch, even when empty.
func (r DecryptResponse) MarshalJSON() ([]byte, error) {
	if r.Value != nil {
		return json.Marshal(struct {
			Value float64 `json:"decrypted_value"`
		}{*r.Value})
	}
	values := r.Values
	if values == nil {
		values = []float64{}
	}
	return json.Marshal(struct {
		Values []float64 `json:"decrypted_values"`
	}{values})
}

// DecryptSumRequest is the body of POST /decrypt_sum.
type DecryptSumRequest struct {
	EncryptedSum string `json:"encrypted_sum"`
	KeyID        string `json:"key_id,omitempty"`
}

// DecryptSumResponse carries the scaled, sign-corrected plaintext sum.
type DecryptSumResponse struct {
	DecryptedSum float64 `json:"decrypted_sum"`
}

// HomomorphicRequest is the body of POST /homomorphic_operations.
type HomomorphicRequest struct {
	Operation       string          `json:"operation"`
	EncryptedValues []string        `json:"encrypted_values"`
	Scalar          json.RawMessage `json:"scalar,omitempty"`
	KeyID           string          `json:"key_id,omitempty"`
}

// HomomorphicResponse carries the decrypted result of the operation.
type HomomorphicResponse struct {
	DecryptedResult float64 `json:"decrypted_result"`
}

// PublicKeyResponse is the body of GET /publickey.
type PublicKeyResponse struct {
	PublicKey *phe.PublicKey `json:"public_key"`
}

// ErrorResponse is returned with every 4xx/5xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health on both services.
type HealthResponse struct {
	Status string         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Query API.

// TokenRequest is the body of POST /generate_token.
type TokenRequest struct {
	UserID string `json:"user_id"`
}

// TokenResponse returns a fresh access token.
type TokenResponse struct {
	Token string `json:"token"`
}

// QueryTokenRequest is the body of POST /generate_query_token.
type QueryTokenRequest struct {
	Query string `json:"query"`
}

// QueryTokenResponse returns a fresh query token.
type QueryTokenResponse struct {
	QueryToken string `json:"query_token"`
}

// StatusResponse acknowledges a write.
type StatusResponse struct {
	Status  string `json:"status"`
	Version uint64 `json:"version,omitempty"`
}

// ExactMatchRequest is the body of POST /exact_match.
type ExactMatchRequest struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// RangeRequest is the body of POST /range_query.
type RangeRequest struct {
	Field    string   `json:"field"`
	MinValue *float64 `json:"min_value"`
	MaxValue *float64 `json:"max_value"`
}

// ResultsResponse lists projected rows.
type ResultsResponse struct {
	Results []map[string]any `json:"results"`
}

// KNNRequest is the body of POST /knn_query.
type KNNRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	K         *int     `json:"k"`
}

// KNNResponse lists the nearest rows with their distance.
type KNNResponse struct {
	Results []map[string]any `json:"knn_results"`
}

// ViewDataResponse is one page of GET /view_data.
type ViewDataResponse struct {
	Data    []map[string]any `json:"data"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
	Total   int              `json:"total"`
}

// ViewEncryptedRequest is the body of POST /view_encrypted.
type ViewEncryptedRequest struct {
	Field string `json:"field"`
	Name  string `json:"name"`
}

// ViewEncryptedResponse lists ciphertexts for the matching rows.
type ViewEncryptedResponse struct {
	EncryptedData []string `json:"encrypted_data"`
}

// AddTwoNamesRequest is the body of POST /homomorphic_add_two_names.
type AddTwoNamesRequest struct {
	Field string `json:"field"`
	Name1 string `json:"name1"`
	Name2 string `json:"name2"`
}

// AddTwoNamesResponse carries the encrypted sum of both rows' values.
type AddTwoNamesResponse struct {
	Field        string `json:"field"`
	Name1        string `json:"name1"`
	Name2        string `json:"name2"`
	EncryptedSum string `json:"encrypted_sum"`
}

// AggregateSumRequest is the body of POST /aggregate_sum. An empty field
// sums every row.
type AggregateSumRequest struct {
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
}

// AggregateSumResponse carries the decrypted sum and how many rows it
// covers.
type AggregateSumResponse struct {
	DecryptedSum float64 `json:"decrypted_sum"`
	Count        int     `json:"count"`
}
