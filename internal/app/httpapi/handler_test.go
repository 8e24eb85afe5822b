package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/events"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/services/dispatcher"
	"github.com/R3E-Network/confidential_layer/internal/app/services/registry"
	"github.com/R3E-Network/confidential_layer/internal/app/services/verifier"
	"github.com/R3E-Network/confidential_layer/internal/app/storage/memory"
	internalhttputil "github.com/R3E-Network/confidential_layer/internal/httputil"
	"github.com/R3E-Network/confidential_layer/internal/logging"
	"github.com/R3E-Network/confidential_layer/internal/middleware"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

type testAPI struct {
	handler http.Handler
	runtime *ledger.Runtime
	hub     *events.Hub
	sim     *cluster.Simulator
	mxe     sealing.KeyPair
	caller  sealing.KeyPair
}

func newTestAPI(t *testing.T, auth *middleware.AuthMiddleware) *testAPI {
	t.Helper()
	mxe, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)
	caller, err := sealing.GenerateKeyPair(nil)
	require.NoError(t, err)

	var signers []cluster.NodeSigner
	for i := uint16(1); i <= 3; i++ {
		s, err := cluster.GenerateNodeSigner(i)
		require.NoError(t, err)
		signers = append(signers, s)
	}
	sim, err := cluster.NewSimulator(cluster.SimulatorConfig{Epoch: 1, Threshold: 2, Signers: signers, MXE: mxe}, nil, nil)
	require.NoError(t, err)

	programID, err := ledger.ParseProgramID("", "httpapi-test")
	require.NoError(t, err)
	hub := events.NewHub(100)
	rt := ledger.New(memory.New(), programID, hub, nil)

	h, err := NewHandler(Services{
		Runtime:    rt,
		Registry:   registry.New(rt, nil),
		Dispatcher: dispatcher.New(rt, nil),
		Verifier:   verifier.New(rt, nil),
		Hub:        hub,
	}, Options{Auth: auth, Logger: logging.New("httpapi-test", "error", "text")})
	require.NoError(t, err)

	return &testAPI{handler: h, runtime: rt, hub: hub, sim: sim, mxe: mxe, caller: caller}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp internalhttputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Code
}

// setup configures the simulator's signing set and registers circuits.
func (a *testAPI) setup(t *testing.T, circuits ...computation.Circuit) {
	t.Helper()
	rec := a.do(t, http.MethodPut, "/v1/cluster", "", a.sim.ClusterConfig())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range circuits {
		rec := a.do(t, http.MethodPost, "/v1/definitions/"+string(c), "", nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func (a *testAPI) payload(t *testing.T, id string, values ...uint64) SubmitPayload {
	t.Helper()
	nonce, err := sealing.NewNonce(nil)
	require.NoError(t, err)
	c, err := sealing.NewCipher(a.caller.Secret, a.mxe.Public, nonce)
	require.NoError(t, err)
	p := SubmitPayload{RequestID: json.Number(id), PublicKey: a.caller.Public, Nonce: nonce}
	for i, v := range values {
		p.Operands = append(p.Operands, c.SealU64(i, v))
	}
	return p
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	rec = api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "confidential_layer_http_requests_total")
}

func TestDefinitionRegistration(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/v1/definitions/check_balance", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var def computation.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
	assert.Equal(t, computation.Offset(computation.CircuitCheckBalance), def.Offset)
	assert.Equal(t, "check_balance_callback", def.Callback)

	rec = api.do(t, http.MethodPost, "/v1/definitions/check_balance", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_REGISTERED", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/definitions/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_CIRCUIT", errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/definitions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var defs []computation.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	assert.Len(t, defs, 1)

	rec = api.do(t, http.MethodGet, "/v1/definitions/check_balance", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodGet, "/v1/definitions/validate_swap", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClusterConfiguration(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodGet, "/v1/cluster", "", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = api.do(t, http.MethodPut, "/v1/cluster", "", computation.ClusterConfig{Epoch: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	api.setup(t)
	rec = api.do(t, http.MethodGet, "/v1/cluster", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg computation.ClusterConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 2, cfg.Threshold)
	assert.Len(t, cfg.Nodes, 3)
}

func TestSubmitPreconditions(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "1", 10, 5))
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "CLUSTER_NOT_CONFIGURED", errorCode(t, rec))

	api.setup(t, computation.CircuitCheckBalance)

	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "1", 10))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MALFORMED_OPERANDS", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/computations/validate_swap", "", api.payload(t, "1", 1, 2, 3, 4))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "-3", 10, 5))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "1", 10, 5))
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "1", 10, 5))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "", map[string]string{"surprise": "field"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAllocatesRequestID(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup(t, computation.CircuitCheckBalance)

	rec := api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "", 10, 5))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var view computationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.NotEqual(t, "0", view.ID)
	assert.Equal(t, computation.StatusQueued, view.Status)
}

func TestComputationLifecycle(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup(t, computation.CircuitCheckBalance)

	rec := api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "18446744073709551615", 500, 100))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var view computationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "18446744073709551615", view.ID)
	assert.Equal(t, "check_balance_callback", view.Callback.Instruction)

	rec = api.do(t, http.MethodDelete, "/v1/computations/18446744073709551615", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REQUEST_PENDING", errorCode(t, rec))

	req, err := api.runtime.Request(context.Background(), 18446744073709551615)
	require.NoError(t, err)
	result, err := api.sim.Compute(cluster.BundleFor(req))
	require.NoError(t, err)

	rec = api.do(t, http.MethodPost, "/v1/callbacks/private_transfer", "", result)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CALLBACK_MISMATCH", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/callbacks/check_balance", "", result)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var event computation.ResultEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	field, ok := event.Field("meets_minimum")
	require.True(t, ok)
	opener, err := sealing.NewCipher(api.caller.Secret, api.mxe.Public, event.Nonce)
	require.NoError(t, err)
	meets, err := opener.OpenBool(0, field)
	require.NoError(t, err)
	assert.True(t, meets)

	rec = api.do(t, http.MethodPost, "/v1/callbacks/check_balance", "", result)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_RESOLVED", errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/computations/18446744073709551615", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, computation.StatusEmitted, view.Status)
	assert.NotNil(t, view.ResolvedAt)

	rec = api.do(t, http.MethodGet, "/v1/events?after=0&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []computation.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, computation.EventComputationEmitted, entries[2].Kind)

	rec = api.do(t, http.MethodDelete, "/v1/computations/18446744073709551615", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/v1/computations/18446744073709551615", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForgedCallbackAborts(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup(t, computation.CircuitCheckBalance)

	rec := api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "9", 1, 2))
	require.Equal(t, http.StatusAccepted, rec.Code)
	req, err := api.runtime.Request(context.Background(), 9)
	require.NoError(t, err)
	result, err := api.sim.Compute(cluster.BundleFor(req))
	require.NoError(t, err)
	result.Outputs[0][0] ^= 0xff

	rec = api.do(t, http.MethodPost, "/v1/callbacks/check_balance", "", result)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "ABORTED_COMPUTATION", errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/computations/9", "", nil)
	var view computationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, computation.StatusAborted, view.Status)
	assert.NotEmpty(t, view.AbortReason)
}

func TestRoleChecks(t *testing.T) {
	auth := middleware.NewAuthMiddleware(nil, []middleware.StaticToken{
		{Token: "admin-token", Role: middleware.RoleAdmin},
		{Token: "caller-token", Role: middleware.RoleCaller},
		{Token: "cluster-token", Role: middleware.RoleCluster},
	}, logging.New("auth-test", "error", "text"), []string{"/healthz", "/metrics"})
	api := newTestAPI(t, auth)

	rec := api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/definitions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/definitions/check_balance", "caller-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(t, http.MethodPost, "/v1/definitions/check_balance", "admin-token", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPut, "/v1/cluster", "admin-token", api.sim.ClusterConfig())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "cluster-token", api.payload(t, "4", 1, 1))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(t, http.MethodPost, "/v1/computations/check_balance", "caller-token", api.payload(t, "4", 1, 1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	req, err := api.runtime.Request(context.Background(), 4)
	require.NoError(t, err)
	result, err := api.sim.Compute(cluster.BundleFor(req))
	require.NoError(t, err)
	rec = api.do(t, http.MethodPost, "/v1/callbacks/check_balance", "caller-token", result)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(t, http.MethodPost, "/v1/callbacks/check_balance", "cluster-token", result)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/audit", "caller-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(t, http.MethodGet, "/v1/audit", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit []auditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.NotEmpty(t, audit)
	last := audit[len(audit)-1]
	assert.Equal(t, "/v1/callbacks/check_balance", last.Path)
	assert.Equal(t, middleware.RoleCluster, last.Role)
	assert.Equal(t, "check_balance", last.Circuit)
	assert.Equal(t, http.StatusOK, last.Status)
}

func TestAuditLogKeepsNewest(t *testing.T) {
	l := newAuditLog(3, nil, nil)
	assert.Empty(t, l.recent(0))
	for i := 1; i <= 5; i++ {
		l.add(auditEntry{Status: i})
	}
	var got []int
	for _, e := range l.recent(0) {
		got = append(got, e.Status)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Len(t, l.recent(2), 2)
	assert.Equal(t, 5, l.recent(1)[0].Status)
}

func TestEventStream(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup(t, computation.CircuitCheckBalance)

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?after=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes before it starts writing; wait for that.
	require.Eventually(t, func() bool { return api.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	rec := api.do(t, http.MethodPost, "/v1/computations/check_balance", "", api.payload(t, "77", 3, 1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var entry computation.LogEntry
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, computation.EventComputationQueued, entry.Kind)
	assert.Equal(t, uint64(77), entry.RequestID)
	assert.Equal(t, uint64(2), entry.Seq)
}

func TestEventStreamReplay(t *testing.T) {
	api := newTestAPI(t, nil)
	api.setup(t, computation.CircuitCheckBalance, computation.CircuitPrivateTransfer)

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?after=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var entry computation.LogEntry
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, computation.EventDefinitionRegistered, entry.Kind)
	assert.Equal(t, uint64(2), entry.Seq)
	assert.Equal(t, computation.CircuitPrivateTransfer, entry.Circuit)
}
