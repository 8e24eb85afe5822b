package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/healthz":                       "/healthz",
		"/v1/definitions":                "/v1/definitions",
		"/v1/definitions/check_balance":  "/v1/definitions/:circuit",
		"/v1/computations/42":            "/v1/computations/:id",
		"/v1/computations/validate_swap": "/v1/computations/:circuit",
		"/v1/callbacks/private_transfer": "/v1/callbacks/:circuit",
		"/v1/events/stream":              "/v1/events/stream",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecordersAreExported(t *testing.T) {
	RecordRegistration("check_balance", "registered")
	RecordSubmission("check_balance", "queued")
	RecordCallback("check_balance", "emitted", 0)
	RecordRelay(true)
	SetQueued(3)
	RecordRelease(1)

	out := scrape(t)
	for _, want := range []string{
		`confidential_layer_registry_registrations_total{circuit="check_balance",outcome="registered"}`,
		`confidential_layer_dispatcher_submissions_total{circuit="check_balance",outcome="queued"}`,
		`confidential_layer_verifier_callbacks_total{circuit="check_balance",outcome="emitted"}`,
		`confidential_layer_relay_forwards_total{outcome="forwarded"}`,
		`confidential_layer_ledger_queued_requests 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/computations/check_balance", nil))

	want := `confidential_layer_http_requests_total{method="POST",path="/v1/computations/:circuit",status="202"}`
	if !strings.Contains(scrape(t), want) {
		t.Fatalf("metrics output missing %s", want)
	}
}
