package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/crypto"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/ratelimit"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxSubjectLen bounds the attendee identifier accepted by POST /v1/checkins.
const MaxSubjectLen = 256

// RejectionDetail is the only reason given to clients for a rejected token.
// The typed reason is logged.
const RejectionDetail = "Invalid or expired token"

// Validator checks tokens. *token.Generator satisfies it.
type Validator interface {
	Validate(tok string) token.TokenInfo
	Format() token.Format
	Tolerance() time.Duration
	KeyID() string
	Rotation() (crypto.RotationState, bool)
}

// API implements the verifier REST API.
// All endpoints return JSON. Errors follow RFC 7807 Problem Details.
type API struct {
	validator Validator
	store     Store
	limiter   *ratelimit.RateLimiter
	metrics   *Metrics
	now       func() time.Time
	mux       *http.ServeMux
}

// NewAPI creates the API handler. limiter may be nil to disable rate limiting.
func NewAPI(validator Validator, store Store, limiter *ratelimit.RateLimiter) *API {
	a := &API{
		validator: validator,
		store:     store,
		limiter:   limiter,
		metrics:   NewMetrics(),
		now:       time.Now,
		mux:       http.NewServeMux(),
	}
	a.registerRoutes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) registerRoutes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}))

	a.mux.Handle("GET /scan", a.rateLimit(a.timed("scan", a.handleScan)))
	a.mux.Handle("POST /v1/checkins", a.rateLimit(a.timed("checkin", a.handleCreateCheckIn)))
	a.mux.Handle("GET /v1/checkins", a.rateLimit(a.timed("list", a.handleListCheckIns)))
	a.mux.Handle("GET /v1/checkins/{id}", a.rateLimit(a.timed("get", a.handleGetCheckIn)))
}

// --- Middleware ---

// rateLimit throttles per client IP. If no limiter is configured, it is a
// no-op.
func (a *API) rateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return a.limiter.Middleware(next)
}

func (a *API) timed(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		a.metrics.duration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// --- Handlers ---

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		log.Printf("[Verify] Store unhealthy: %v", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Check-in store is unreachable")
		return
	}
	resp := HealthResponse{
		Status:  "ok",
		Service: "verifier",
		KeyID:   a.validator.KeyID(),
	}
	if rs, ok := a.validator.Rotation(); ok && rs.IsInGracePeriod(a.now()) {
		resp.Rotation = &rs
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is returned by GET /healthz. Rotation is set while tokens
// signed with the previous key are still accepted.
type HealthResponse struct {
	Status   string                `json:"status"`
	Service  string                `json:"service"`
	KeyID    string                `json:"key_id"`
	Rotation *crypto.RotationState `json:"key_rotation,omitempty"`
}

// ScanResult is returned for a token that validated.
type ScanResult struct {
	Valid        bool      `json:"valid"`
	Message      string    `json:"message"`
	DeviceIndex  int       `json:"device_index"`
	AccessMethod string    `json:"access_method"`
	Format       string    `json:"format"`
	TokenTime    time.Time `json:"token_time"`
}

// handleScan validates the token carried as the raw query string, the form
// the beacon embeds in its portal link and NFC record.
func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	info, ok := a.verify(w, r, "scan", r.URL.RawQuery)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ScanResult{
		Valid:        true,
		Message:      info.Message,
		DeviceIndex:  info.DeviceIndex,
		AccessMethod: string(info.AccessMethod),
		Format:       info.Format.String(),
		TokenTime:    TokenTime(info),
	})
}

// CreateCheckInRequest is the body of POST /v1/checkins.
type CreateCheckInRequest struct {
	Token   string `json:"token"`
	Subject string `json:"subject"`
}

func (a *API) handleCreateCheckIn(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON")
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "subject is required")
		return
	}
	if len(req.Subject) > MaxSubjectLen {
		writeError(w, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("subject must be at most %d bytes", MaxSubjectLen))
		return
	}

	info, ok := a.verify(w, r, "checkin", strings.TrimSpace(req.Token))
	if !ok {
		return
	}

	c := NewCheckIn(info, req.Subject, a.now())
	err := a.store.Record(r.Context(), c, DedupeKey(strings.TrimSpace(req.Token), req.Subject), a.dedupeTTL())
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusConflict, "duplicate", ErrDuplicate.Error())
		return
	}
	if err != nil {
		log.Printf("[Verify] Failed to record check-in: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to record check-in")
		return
	}

	a.metrics.checkins.WithLabelValues(c.AccessMethod).Inc()
	log.Printf("[Verify] Check-in %s recorded: device=%d method=%s", c.ID, c.DeviceIndex, c.AccessMethod)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListCheckIns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	device, err := strconv.Atoi(q.Get("device"))
	if err != nil || device < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "device must be a non-negative integer")
		return
	}

	limit := DefaultListLimit
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > MaxListLimit {
			writeError(w, http.StatusBadRequest, "validation_error",
				fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
			return
		}
	}

	list, err := a.store.List(r.Context(), device, limit)
	if err != nil {
		log.Printf("[Verify] Failed to list check-ins: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list check-ins")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkins": list,
		"count":    len(list),
	})
}

func (a *API) handleGetCheckIn(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Check-in not found")
		return
	}
	if err != nil {
		log.Printf("[Verify] Failed to get check-in: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get check-in")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// verify validates tok and writes the generic rejection on failure.
func (a *API) verify(w http.ResponseWriter, r *http.Request, endpoint, tok string) (token.TokenInfo, bool) {
	info := a.validator.Validate(tok)
	a.metrics.verifications.WithLabelValues(endpoint, info.Result()).Inc()
	if info.Valid {
		return info, true
	}

	log.Printf("[Verify] Rejected token from %s: %s: %v", ratelimit.ClientIP(r), info.Result(), info.Err)
	writeError(w, http.StatusForbidden, "invalid_token", RejectionDetail)
	return info, false
}

// dedupeTTL covers the whole period a token can validate.
func (a *API) dedupeTTL() time.Duration {
	valid := 2 * a.validator.Tolerance()
	if a.validator.Format() == token.FormatWindow {
		valid = 2 * token.WindowDuration * time.Second
	}
	return valid + time.Minute
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"type":   fmt.Sprintf("https://tapbeacon.dev/errors/%s", errType),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write error response: %v", err)
	}
}
