// Package httpapi exposes the confidential computation layer over HTTP:
// definition registration, cluster configuration, submission, callbacks
// and the event log.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/events"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/metrics"
	"github.com/R3E-Network/confidential_layer/internal/app/services/dispatcher"
	"github.com/R3E-Network/confidential_layer/internal/app/services/registry"
	"github.com/R3E-Network/confidential_layer/internal/app/services/verifier"
	svcerrors "github.com/R3E-Network/confidential_layer/internal/errors"
	internalhttputil "github.com/R3E-Network/confidential_layer/internal/httputil"
	"github.com/R3E-Network/confidential_layer/internal/logging"
	"github.com/R3E-Network/confidential_layer/internal/middleware"
)

// maxBodyBytes bounds request bodies; the largest legitimate body is a
// validate_swap submission or a signed result.
const maxBodyBytes = 64 << 10

// Services are the components the API drives.
type Services struct {
	Runtime    *ledger.Runtime
	Registry   *registry.Service
	Dispatcher *dispatcher.Service
	Verifier   *verifier.Service
	Hub        *events.Hub
}

// Options configures the router's middleware chain.
type Options struct {
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	AuditFile   string
	Logger      *logging.Logger
}

type handler struct {
	svc    Services
	log    *logging.Logger
	audit  *auditLog
	guards bool
}

// NewHandler builds the gorilla/mux router for the node API.
func NewHandler(svc Services, opts Options) (http.Handler, error) {
	if opts.Logger == nil {
		opts.Logger = logging.New("httpapi", "info", "text")
	}
	var sink auditSink
	if opts.AuditFile != "" {
		fileSink, err := newFileAuditSink(opts.AuditFile)
		if err != nil {
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		sink = fileSink
	}
	h := &handler{
		svc:    svc,
		log:    opts.Logger,
		guards: opts.Auth != nil && opts.Auth.Enabled(),
	}
	h.audit = newAuditLog(500, sink, func(err error) {
		h.log.WithError(err).Warn("write audit entry")
	})

	router := mux.NewRouter()
	router.Use(middleware.NewTracingMiddleware().Handler, middleware.LoggingMiddleware(opts.Logger), middleware.MetricsMiddleware())
	if len(opts.CORSOrigins) > 0 {
		router.Use(middleware.CORS(opts.CORSOrigins))
	}
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	if h.guards {
		api.Use(opts.Auth.Handler)
	}
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}
	api.Use(h.audit.middleware)

	api.Handle("/definitions", h.guard(h.listDefinitions)).Methods(http.MethodGet)
	api.Handle("/definitions/{circuit}", h.guard(h.registerDefinition, middleware.RoleAdmin)).Methods(http.MethodPost)
	api.Handle("/definitions/{circuit}", h.guard(h.getDefinition)).Methods(http.MethodGet)
	api.Handle("/cluster", h.guard(h.getCluster)).Methods(http.MethodGet)
	api.Handle("/cluster", h.guard(h.putCluster, middleware.RoleAdmin)).Methods(http.MethodPut)
	api.Handle("/computations/{id:[0-9]+}", h.guard(h.getComputation)).Methods(http.MethodGet)
	api.Handle("/computations/{id:[0-9]+}", h.guard(h.releaseComputation, middleware.RoleCaller)).Methods(http.MethodDelete)
	api.Handle("/computations/{circuit}", h.guard(h.submit, middleware.RoleCaller)).Methods(http.MethodPost)
	api.Handle("/callbacks/{circuit}", h.guard(h.callback, middleware.RoleCluster)).Methods(http.MethodPost)
	api.Handle("/events", h.guard(h.listEvents)).Methods(http.MethodGet)
	api.Handle("/events/stream", h.guard(h.streamEvents)).Methods(http.MethodGet)
	api.Handle("/audit", h.guard(h.listAudit, middleware.RoleAdmin)).Methods(http.MethodGet)

	return router, nil
}

// guard applies a role check when authentication is enabled.
func (h *handler) guard(fn http.HandlerFunc, roles ...string) http.Handler {
	if !h.guards || len(roles) == 0 {
		return fn
	}
	return middleware.RequireRole(roles...)(fn)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	internalhttputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) registerDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.Registry.Register(r.Context(), computation.Circuit(mux.Vars(r)["circuit"]))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusCreated, def)
}

func (h *handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.svc.Registry.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, defs)
}

func (h *handler) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.Registry.Lookup(r.Context(), computation.Circuit(mux.Vars(r)["circuit"]))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, def)
}

func (h *handler) getCluster(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.Runtime.ClusterConfig(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, cfg)
}

func (h *handler) putCluster(w http.ResponseWriter, r *http.Request) {
	var cfg computation.ClusterConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	stored, err := h.svc.Runtime.ConfigureCluster(r.Context(), cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, stored)
}

// SubmitPayload is the body of POST /v1/computations/{circuit}. Operands
// are listed in the order the circuit declares its inputs. A zero or
// missing request_id lets the node allocate one.
type SubmitPayload struct {
	RequestID json.Number              `json:"request_id,omitempty"`
	PublicKey computation.PublicKey    `json:"public_key"`
	Nonce     computation.Nonce        `json:"nonce"`
	Operands  []computation.Ciphertext `json:"operands"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var payload SubmitPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	var id uint64
	if payload.RequestID != "" {
		parsed, err := strconv.ParseUint(payload.RequestID.String(), 10, 64)
		if err != nil {
			h.writeError(w, r, svcerrors.InvalidFormat("request_id", "must be an unsigned 64-bit integer"))
			return
		}
		id = parsed
	}
	req, err := h.svc.Dispatcher.Submit(r.Context(), dispatcher.SubmitRequest{
		RequestID: id,
		Circuit:   computation.Circuit(mux.Vars(r)["circuit"]),
		Context:   computation.EncryptionContext{PublicKey: payload.PublicKey, Nonce: payload.Nonce},
		Operands:  payload.Operands,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusAccepted, newComputationView(req))
}

func (h *handler) getComputation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.svc.Runtime.Request(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, newComputationView(req))
}

func (h *handler) releaseComputation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Runtime.Release(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	var result cluster.SignedResult
	if err := decodeJSON(w, r, &result); err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.svc.Verifier.HandleCallback(r.Context(), computation.Circuit(mux.Vars(r)["circuit"]), result)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, event)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	after, limit, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.svc.Runtime.Events(r.Context(), after, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	internalhttputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	internalhttputil.WriteJSON(w, http.StatusOK, h.audit.recent(limit))
}

// computationView is the API shape of a request slot. Argument values are
// left out; callers already hold them.
type computationView struct {
	ID          string                      `json:"id"`
	Circuit     computation.Circuit         `json:"circuit"`
	Offset      uint32                      `json:"offset"`
	Address     computation.Address         `json:"address"`
	Callback    computation.CallbackBinding `json:"callback"`
	Commitment  computation.Digest          `json:"commitment"`
	Status      computation.Status          `json:"status"`
	Forwarded   bool                        `json:"forwarded"`
	Attempts    int                         `json:"attempts"`
	AbortReason string                      `json:"abort_reason,omitempty"`
	QueuedAt    time.Time                   `json:"queued_at"`
	ResolvedAt  *time.Time                  `json:"resolved_at,omitempty"`
}

func newComputationView(req computation.Request) computationView {
	v := computationView{
		ID:          strconv.FormatUint(req.ID, 10),
		Circuit:     req.Circuit,
		Offset:      req.Offset,
		Address:     req.Address,
		Callback:    req.Callback,
		Commitment:  req.Commitment,
		Status:      req.Status,
		Forwarded:   req.Forwarded,
		Attempts:    req.Attempts,
		AbortReason: req.AbortReason,
		QueuedAt:    req.QueuedAt,
	}
	if !req.ResolvedAt.IsZero() {
		resolved := req.ResolvedAt
		v.ResolvedAt = &resolved
	}
	return v
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, svcerrors.InvalidFormat("id", "must be an unsigned 64-bit integer")
	}
	return id, nil
}

func pageParams(r *http.Request) (uint64, int, error) {
	q := r.URL.Query()
	var after uint64
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, svcerrors.InvalidFormat("after", "must be an event sequence number")
		}
		after = v
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, svcerrors.InvalidFormat("limit", "must be a non-negative integer")
		}
		limit = v
	}
	return after, limit, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return svcerrors.BadRequest("request body is empty")
		}
		return svcerrors.BadRequest("invalid request body").WithDetails("reason", err.Error())
	}
	return nil
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var serviceErr *svcerrors.ServiceError
	if errors.Is(err, ledger.ErrInvalidClusterConfig) {
		serviceErr = svcerrors.BadRequest(err.Error())
	} else {
		serviceErr = svcerrors.FromDomain(err)
	}
	if serviceErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}
