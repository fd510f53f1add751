package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/authority"
	"github.com/luxfi/phe/internal/dataset"
	"github.com/luxfi/phe/internal/engine"
	"github.com/luxfi/phe/internal/token"
	"github.com/luxfi/phe/internal/wire"
)

// Header names carrying capability tokens.
const (
	AccessTokenHeader = "Authorization"
	QueryTokenHeader  = "Query-Token"
)

// TokenStore issues and checks capability tokens.
type TokenStore interface {
	GenerateAccessToken(ctx context.Context, userID string) (string, error)
	ValidateAccessToken(ctx context.Context, tok string) (bool, error)
	GenerateQueryToken(ctx context.Context, accessToken, query string) (string, error)
	ValidateQueryToken(ctx context.Context, accessToken, queryToken string) (bool, error)
}

// AuthorityClient is the part of the authority API the query service
// forwards client requests to.
type AuthorityClient interface {
	Health(ctx context.Context) error
	Decrypt(ctx context.Context, in phe.CiphertextInput) (*wire.DecryptResponse, error)
	HomomorphicOperations(ctx context.Context, req wire.HomomorphicRequest) (float64, error)
}

// healthProbeTimeout bounds the authority check made by /health.
const healthProbeTimeout = 2 * time.Second

// Query serves the token-gated query API over an engine.
type Query struct {
	cfg    Config
	eng    *engine.Engine
	auth   AuthorityClient
	tokens TokenStore
	log    *slog.Logger
}

// NewQuery wires the query API.
func NewQuery(cfg Config, eng *engine.Engine, auth AuthorityClient, tokens TokenStore, logger *slog.Logger) (*Query, error) {
	if eng == nil || auth == nil || tokens == nil {
		return nil, errors.New("query server: engine, authority client and token store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Query{cfg: cfg, eng: eng, auth: auth, tokens: tokens, log: logger.With("component", "query")}, nil
}

// Handler returns the HTTP handler.
func (q *Query) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(q.log))
	r.Use(corsMiddleware)

	r.Get("/health", q.handleHealth)
	r.Post("/generate_token", q.handleGenerateToken)

	r.Group(func(r chi.Router) {
		r.Use(q.requireAccess)
		r.Post("/generate_query_token", q.handleGenerateQueryToken)
		r.Post("/add_data", q.handleAddData)
		r.Get("/view_data", q.handleViewData)
		r.Post("/view_encrypted", q.handleViewEncrypted)
		r.Post("/homomorphic_add_two_names", q.handleAddTwoNames)
		r.Post("/decrypt_sum", q.handleDecryptSum)
		r.Post("/decrypt", q.handleDecrypt)
		r.Post("/homomorphic_operations", q.handleHomomorphic)

		r.Group(func(r chi.Router) {
			r.Use(q.requireQuery)
			r.Post("/exact_match", q.handleExactMatch)
			r.Post("/range_query", q.handleRange)
			r.Post("/knn_query", q.handleKNN)
			r.Post("/aggregate_sum", q.handleAggregateSum)
		})
	})
	return r
}

func (q *Query) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := accessToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "Missing access token")
			return
		}
		ok, err := q.tokens.ValidateAccessToken(r.Context(), tok)
		if err != nil {
			q.fail(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (q *Query) requireQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qt := strings.TrimSpace(r.Header.Get(QueryTokenHeader))
		if qt == "" {
			writeError(w, http.StatusUnauthorized, "Missing query token")
			return
		}
		ok, err := q.tokens.ValidateQueryToken(r.Context(), accessToken(r), qt)
		if err != nil {
			q.fail(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid or expired query token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessToken reads the Authorization header, accepting an optional
// Bearer prefix.
func accessToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get(AccessTokenHeader))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		h = strings.TrimSpace(h[7:])
	}
	return h
}

func (q *Query) handleHealth(w http.ResponseWriter, r *http.Request) {
	detail := q.eng.Stats()
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	if err := q.auth.Health(ctx); err != nil {
		detail["authority"] = err.Error()
	} else {
		detail["authority"] = "ok"
	}
	writeJSON(w, http.StatusOK, wire.HealthResponse{Status: "running", Detail: detail})
}

func (q *Query) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req wire.TokenRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	tok, err := q.tokens.GenerateAccessToken(r.Context(), req.UserID)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.TokenResponse{Token: tok})
}

func (q *Query) handleGenerateQueryToken(w http.ResponseWriter, r *http.Request) {
	var req wire.QueryTokenRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	qt, err := q.tokens.GenerateQueryToken(r.Context(), accessToken(r), req.Query)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.QueryTokenResponse{QueryToken: qt})
}

func (q *Query) handleAddData(w http.ResponseWriter, r *http.Request) {
	var row dataset.Row
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &row); err != nil {
		q.fail(w, r, err)
		return
	}
	version, err := q.eng.Ingest(r.Context(), row)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.StatusResponse{Status: "Data added successfully", Version: version})
}

func (q *Query) handleViewData(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	page, err := intParam(params.Get("page"), 1)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	perPage, err := intParam(params.Get("per_page"), 10)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	var value any
	if params.Has("value") {
		value = params.Get("value")
	}
	p, err := q.eng.View(params.Get("field"), value, page, perPage)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	data := make([]map[string]any, len(p.Records))
	for i, rec := range p.Records {
		data[i] = rec.Row
	}
	writeJSON(w, http.StatusOK, wire.ViewDataResponse{Data: data, Page: p.Page, PerPage: p.PerPage, Total: p.Total})
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", errBadRequest, s)
	}
	return n, nil
}

func (q *Query) handleExactMatch(w http.ResponseWriter, r *http.Request) {
	var req wire.ExactMatchRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	recs, err := q.eng.ExactMatch(req.Field, req.Value)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ResultsResponse{Results: project(recs, dataset.SummaryColumns)})
}

func (q *Query) handleRange(w http.ResponseWriter, r *http.Request) {
	var req wire.RangeRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	if req.Field == "" || req.MinValue == nil || req.MaxValue == nil {
		writeError(w, http.StatusBadRequest, "field, min_value, and max_value must be provided")
		return
	}
	recs, err := q.eng.Range(req.Field, *req.MinValue, *req.MaxValue)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ResultsResponse{Results: project(recs, dataset.SummaryColumns)})
}

func (q *Query) handleKNN(w http.ResponseWriter, r *http.Request) {
	var req wire.KNNRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	if req.Latitude == nil || req.Longitude == nil || req.K == nil {
		writeError(w, http.StatusBadRequest, "latitude, longitude, and k must be provided")
		return
	}
	nbrs, err := q.eng.Nearest(*req.Latitude, *req.Longitude, *req.K)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	results := make([]map[string]any, len(nbrs))
	for i, n := range nbrs {
		row := n.Row.Project(dataset.NeighborColumns)
		row["distance"] = n.Distance
		results[i] = row
	}
	writeJSON(w, http.StatusOK, wire.KNNResponse{Results: results})
}

func (q *Query) handleViewEncrypted(w http.ResponseWriter, r *http.Request) {
	var req wire.ViewEncryptedRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	cts, err := q.eng.EncryptedValues(req.Field, req.Name)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ViewEncryptedResponse{EncryptedData: cts})
}

func (q *Query) handleAddTwoNames(w http.ResponseWriter, r *http.Request) {
	var req wire.AddTwoNamesRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	sum, err := q.eng.AddTwoNames(req.Field, req.Name1, req.Name2)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.AddTwoNamesResponse{
		Field:        req.Field,
		Name1:        req.Name1,
		Name2:        req.Name2,
		EncryptedSum: sum.String(),
	})
}

func (q *Query) handleAggregateSum(w http.ResponseWriter, r *http.Request) {
	var req wire.AggregateSumRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
			q.fail(w, r, err)
			return
		}
	}
	if req.Field != "" && req.Value == nil {
		writeError(w, http.StatusBadRequest, "value must be provided with field")
		return
	}
	sum, n, err := q.eng.AggregateSum(r.Context(), req.Field, req.Value)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.AggregateSumResponse{DecryptedSum: sum, Count: n})
}

func (q *Query) handleDecryptSum(w http.ResponseWriter, r *http.Request) {
	var req wire.DecryptSumRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	sum, err := q.eng.DecryptSum(r.Context(), req.EncryptedSum)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.DecryptSumResponse{DecryptedSum: sum})
}

// handleDecrypt forwards ciphertexts to the authority once they parse
// under its key.
func (q *Query) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req wire.DecryptRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	if req.EncryptedData.Empty() && !req.EncryptedData.IsBatch() {
		writeError(w, http.StatusBadRequest, "Invalid or missing 'encrypted_data'. Expected a string or a list.")
		return
	}
	if _, err := q.eng.PublicKey().ParseCiphertexts(req.EncryptedData.Values()); err != nil {
		q.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	resp, err := q.auth.Decrypt(r.Context(), req.EncryptedData)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (q *Query) handleHomomorphic(w http.ResponseWriter, r *http.Request) {
	var req wire.HomomorphicRequest
	if err := decodeJSON(w, r, q.cfg.MaxBodyBytes, &req); err != nil {
		q.fail(w, r, err)
		return
	}
	if _, err := phe.ParseOperation(req.Operation); err != nil {
		q.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(req.EncryptedValues) == 0 {
		writeError(w, http.StatusBadRequest, "encrypted_values must not be empty")
		return
	}
	if _, err := q.eng.PublicKey().ParseCiphertexts(req.EncryptedValues); err != nil {
		q.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	// The authority checks the pinned key, not one chosen by the caller.
	req.KeyID = ""
	result, err := q.auth.HomomorphicOperations(r.Context(), req)
	if err != nil {
		q.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.HomomorphicResponse{DecryptedResult: result})
}

func project(recs []dataset.Record, cols []string) []map[string]any {
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = rec.Row.Project(cols)
	}
	return out
}

func queryStatus(err error) int {
	var remote *authority.RemoteError
	if errors.As(err, &remote) {
		// A request the authority rejects as malformed is the caller's fault;
		// anything else is a failure between the services.
		if remote.StatusCode == http.StatusBadRequest {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, token.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, token.ErrInvalidRequest),
		errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, engine.ErrAmbiguous),
		errors.Is(err, dataset.ErrUnknownField),
		errors.Is(err, dataset.ErrNotNumeric),
		errors.Is(err, dataset.ErrInvalidK),
		errors.Is(err, dataset.ErrInvalidPage):
		return http.StatusBadRequest
	case errors.Is(err, dataset.ErrEmpty):
		return http.StatusNotFound
	case errors.Is(err, authority.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (q *Query) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := queryStatus(err)
	if status >= 500 {
		q.log.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}
