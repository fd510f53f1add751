package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/wire"
)

// Authority serves decryption for the key pair it owns. Each request is
// independent; no plaintext is retained between calls.
type Authority struct {
	cfg Config
	cc  *phe.CryptoContext
	dec *phe.Decryptor
	log *slog.Logger
}

// NewAuthority wraps a context holding the secret key.
func NewAuthority(cfg Config, cc *phe.CryptoContext, logger *slog.Logger) (*Authority, error) {
	dec, err := phe.NewDecryptor(cc)
	if err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{cfg: cfg, cc: cc, dec: dec, log: logger.With("component", "authority")}, nil
}

// Handler returns the HTTP handler.
func (a *Authority) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(a.log))
	r.Use(corsMiddleware)

	r.Get("/health", a.handleHealth)
	r.Get("/publickey", a.handlePublicKey)
	r.Post("/decrypt", a.handleDecrypt)
	r.Post("/decrypt_sum", a.handleDecryptSum)
	r.Post("/homomorphic_operations", a.handleHomomorphicOperations)
	return r
}

func (a *Authority) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status: "running",
		Detail: map[string]any{
			"key_id":   a.cc.PublicKey().ID(),
			"key_bits": a.cc.Parameters().KeyBits,
			"scale":    a.cc.PublicKey().Scale(),
		},
	})
}

func (a *Authority) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.PublicKeyResponse{PublicKey: a.cc.PublicKey()})
}

func (a *Authority) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req wire.DecryptRequest
	if err := decodeJSON(w, r, a.cfg.MaxBodyBytes, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.checkKey(req.KeyID); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.EncryptedData.Empty() && !req.EncryptedData.IsBatch() {
		writeError(w, http.StatusBadRequest, "Invalid or missing 'encrypted_data'. Expected a string or a list.")
		return
	}

	cts, err := a.cc.PublicKey().ParseCiphertexts(req.EncryptedData.Values())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	values, err := a.dec.DecryptAmounts(cts)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if req.EncryptedData.IsBatch() {
		writeJSON(w, http.StatusOK, wire.DecryptResponse{Values: values})
		return
	}
	writeJSON(w, http.StatusOK, wire.DecryptResponse{Value: &values[0]})
}

func (a *Authority) handleDecryptSum(w http.ResponseWriter, r *http.Request) {
	var req wire.DecryptSumRequest
	if err := decodeJSON(w, r, a.cfg.MaxBodyBytes, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.checkKey(req.KeyID); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.EncryptedSum == "" {
		writeError(w, http.StatusBadRequest, "Missing 'encrypted_sum'.")
		return
	}

	ct, err := a.cc.PublicKey().ParseCiphertext(req.EncryptedSum)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sum, err := a.dec.DecryptSum(ct)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.DecryptSumResponse{DecryptedSum: sum})
}

func (a *Authority) handleHomomorphicOperations(w http.ResponseWriter, r *http.Request) {
	var req wire.HomomorphicRequest
	if err := decodeJSON(w, r, a.cfg.MaxBodyBytes, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.checkKey(req.KeyID); err != nil {
		a.fail(w, r, err)
		return
	}
	if len(req.EncryptedValues) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid or missing 'encrypted_values'. Expected a list.")
		return
	}
	op, err := phe.ParseOperation(req.Operation)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	scalar, err := parseScalar(req.Scalar)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cts, err := a.cc.PublicKey().ParseCiphertexts(req.EncryptedValues)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.dec.HomomorphicOperations(op, cts, scalar)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.HomomorphicResponse{DecryptedResult: result})
}

// checkKey rejects requests pinned to a different key.
func (a *Authority) checkKey(id string) error {
	if id != "" && id != a.cc.PublicKey().ID() {
		return fmt.Errorf("%w: request for key %s, authority holds %s", phe.ErrKeyMismatch, id, a.cc.PublicKey().ID())
	}
	return nil
}

// parseScalar accepts a JSON integer or a decimal integer string. A missing
// or null scalar returns nil.
func parseScalar(raw json.RawMessage) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: scalar: %v", phe.ErrTypeMismatch, err)
		}
	}
	k, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: scalar must be an integer, got %s", phe.ErrTypeMismatch, s)
	}
	return k, nil
}

func authorityStatus(err error) int {
	switch {
	case errors.Is(err, phe.ErrKeyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, phe.ErrInvalidArgument),
		errors.Is(err, phe.ErrDecryption),
		errors.Is(err, phe.ErrInvalidOperation),
		errors.Is(err, phe.ErrMissingScalar),
		errors.Is(err, phe.ErrTypeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *Authority) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := authorityStatus(err)
	if status >= 500 {
		a.log.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}
