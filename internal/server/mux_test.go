package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/config"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
)

const (
	testDID = "did:example:abc"

	p256Key      = "did:key:zDnaerDaTF5BXEavCrfRZEk316dpbLsfPDZ3WJ5hRTPFU2169"
	secp256k1Key = "did:key:zQ3shokFTS3brHcDQrn82RUDfCZESWL1ZdCEJwekUDPQiYBme"
)

func genesisBody() string {
	return `{"type":"plc_operation","prev":null,"rotationKeys":["key1"],` +
		`"verificationMethods":{"atproto":"` + secp256k1Key + `","backup":"` + p256Key + `"},` +
		`"alsoKnownAs":["at://alice.example"],` +
		`"services":{"atproto_pds":{"type":"AtprotoPersonalDataServer","endpoint":"https://pds.example"}}}`
}

func updateBody(prev, handle string) string {
	return `{"type":"plc_operation","prev":"` + prev + `","rotationKeys":["key1"],"verificationMethods":{},` +
		`"alsoKnownAs":["at://` + handle + `"],"services":{}}`
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, log storage.OperationLog, pinger storage.Pinger) *httptest.Server {
	t.Helper()
	cfg := config.Config{RequestTimeout: 5 * time.Second}
	h := New(cfg, directory.New(log, nil, nil), pinger, nil)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d want %d body=%s", resp.StatusCode, want, string(b))
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) errorEnvelope {
	t.Helper()
	expectStatus(t, resp, status)
	var env responseEnvelope
	decodeBody(t, resp, &env)
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("error = %+v want code %s", env.Error, code)
	}
	if env.Error.CorrelationID == "" || env.Error.CorrelationID != resp.Header.Get(headerCorrelationID) {
		t.Fatalf("correlation id %q does not match header %q", env.Error.CorrelationID, resp.Header.Get(headerCorrelationID))
	}
	return *env.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)

	resp := get(t, ts, "/health")
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body = %q want %q", string(b), "ok")
	}
}

func TestTracing_ContinuesIncomingTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := New(config.Config{RequestTimeout: 5 * time.Second}, directory.New(storage.NewMemory(), nil, nil), nil, nil,
		WithTracerProvider(tp), WithPropagator(propagation.TraceContext{}))
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d want 1", len(spans))
	}
	sc := spans[0].SpanContext()
	if got := sc.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id = %s", got)
	}
	if got := spans[0].Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Fatalf("parent span id = %s", got)
	}
	if !spans[0].Parent().IsRemote() {
		t.Fatal("parent should be the remote caller span")
	}
}

func TestReady(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), stubPinger{})
	expectStatus(t, get(t, ts, "/ready"), http.StatusOK)

	down := newTestServer(t, storage.NewMemory(), stubPinger{err: errors.New("connection refused")})
	expectError(t, get(t, down, "/ready"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE")
}

func TestMetricsOnMainListener(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)
	get(t, ts, "/health")

	resp := get(t, ts, "/metrics")
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `http_requests_total{code="200",method="GET",path="GET /health"}`) {
		t.Fatalf("metrics missing route-labelled request counter")
	}
}

func TestResolve_NotFound(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)

	expectError(t, get(t, ts, "/"+testDID), http.StatusNotFound, "PLC_NOT_FOUND")
	expectError(t, get(t, ts, "/"+testDID+"/log/last"), http.StatusNotFound, "PLC_NOT_FOUND")
	expectError(t, get(t, ts, "/"+testDID+"/data"), http.StatusNotFound, "PLC_NOT_FOUND")
}

func TestSubmitAndResolve(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)

	resp := post(t, ts, "/"+testDID, genesisBody())
	expectStatus(t, resp, http.StatusOK)
	var receipt model.Receipt
	decodeBody(t, resp, &receipt)
	if receipt.Status != "success" || receipt.DID != testDID || !strings.HasPrefix(receipt.CID, "bafyrei") || receipt.Prev != "" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	resp = get(t, ts, "/"+testDID)
	expectStatus(t, resp, http.StatusOK)
	var doc model.Document
	decodeBody(t, resp, &doc)
	wantContext := []string{
		"https://www.w3.org/ns/did/v1",
		"https://w3id.org/security/multikey/v1",
		"https://w3id.org/security/suites/secp256k1-2019/v1",
		"https://w3id.org/security/suites/ecdsa-2019/v1",
	}
	if strings.Join(doc.Context, " ") != strings.Join(wantContext, " ") {
		t.Fatalf("@context = %v", doc.Context)
	}
	if len(doc.VerificationMethod) != 2 || doc.VerificationMethod[0].ID != testDID+"#atproto" {
		t.Fatalf("verificationMethod = %+v", doc.VerificationMethod)
	}
	if len(doc.Service) != 1 || doc.Service[0].ID != "#atproto_pds" || doc.Service[0].ServiceEndpoint != "https://pds.example" {
		t.Fatalf("service = %+v", doc.Service)
	}

	resp = get(t, ts, "/"+testDID+"/log/last")
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(b), `{"type":"plc_operation","rotationKeys":["key1"],"verificationMethods":{"atproto":`) {
		t.Fatalf("last operation = %s", string(b))
	}

	resp = get(t, ts, "/"+testDID+"/data")
	expectStatus(t, resp, http.StatusOK)
	var data struct {
		DID          string   `json:"did"`
		RotationKeys []string `json:"rotationKeys"`
		AlsoKnownAs  []string `json:"alsoKnownAs"`
	}
	decodeBody(t, resp, &data)
	if data.DID != testDID || len(data.RotationKeys) != 1 || data.AlsoKnownAs[0] != "at://alice.example" {
		t.Fatalf("data = %+v", data)
	}

	resp = post(t, ts, "/"+testDID, updateBody(receipt.CID, "bob.example"))
	expectStatus(t, resp, http.StatusOK)
	var second model.Receipt
	decodeBody(t, resp, &second)
	if second.Prev != receipt.CID {
		t.Fatalf("second.Prev = %q want %q", second.Prev, receipt.CID)
	}

	resp = get(t, ts, "/"+testDID+"/log")
	expectStatus(t, resp, http.StatusOK)
	var ops []json.RawMessage
	decodeBody(t, resp, &ops)
	if len(ops) != 2 {
		t.Fatalf("log has %d operations, want 2", len(ops))
	}

	resp = get(t, ts, "/"+testDID+"/log/audit")
	expectStatus(t, resp, http.StatusOK)
	var audit []struct {
		CID       string    `json:"cid"`
		Nullified bool      `json:"nullified"`
		CreatedAt time.Time `json:"createdAt"`
	}
	decodeBody(t, resp, &audit)
	if len(audit) != 2 || audit[0].CID != receipt.CID || audit[1].CID != second.CID || audit[1].CreatedAt.IsZero() {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestSubmit_Rejected(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)
	resp := post(t, ts, "/"+testDID, genesisBody())
	expectStatus(t, resp, http.StatusOK)
	var genesis model.Receipt
	decodeBody(t, resp, &genesis)
	expectStatus(t, post(t, ts, "/"+testDID, updateBody(genesis.CID, "bob.example")), http.StatusOK)

	env := expectError(t, post(t, ts, "/"+testDID, genesisBody()), http.StatusBadRequest, "PLC_REJECTED")
	details, _ := env.Details.(map[string]any)
	if details["reason"] != "StaleOrForkedPrev" {
		t.Fatalf("details = %v", env.Details)
	}

	other := "did:example:other"
	env = expectError(t, post(t, ts, "/"+other, updateBody("bafyreiunknown", "x")), http.StatusBadRequest, "PLC_REJECTED")
	details, _ = env.Details.(map[string]any)
	if details["reason"] != "InvalidGenesis" {
		t.Fatalf("details = %v", env.Details)
	}
}

func TestSubmit_Encoding(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)

	expectError(t, post(t, ts, "/"+testDID, `{"type":`), http.StatusBadRequest, "PLC_ENCODING")
	expectError(t, post(t, ts, "/"+testDID, `{"type":"plc_operation","prev":null,"rotationKeys":["k"],"verificationMethods":{"atproto":42}}`),
		http.StatusBadRequest, "PLC_ENCODING")
	expectError(t, post(t, ts, "/"+testDID, strings.Repeat(" ", maxOperationBytes+1)), http.StatusRequestEntityTooLarge, "PLC_ENCODING")
	expectError(t, post(t, ts, "/"+testDID, `{"type":"plc_operation","prev":null,"rotationKeys":["k"],"alsoKnownAs":["at://`+"\xff"+`alice"]}`),
		http.StatusBadRequest, "PLC_ENCODING")
	expectError(t, get(t, ts, "/"+testDID), http.StatusNotFound, "PLC_NOT_FOUND")
}

func TestSubmit_SiblingIsConflict(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)

	resp := post(t, ts, "/"+testDID, genesisBody())
	expectStatus(t, resp, http.StatusOK)
	var genesis model.Receipt
	decodeBody(t, resp, &genesis)

	resp = post(t, ts, "/"+testDID, updateBody("", "rival.example"))
	expectError(t, resp, http.StatusConflict, "PLC_CONFLICT")

	expectStatus(t, post(t, ts, "/"+testDID, updateBody(genesis.CID, "first.example")), http.StatusOK)

	resp = post(t, ts, "/"+testDID, updateBody(genesis.CID, "second.example"))
	expectError(t, resp, http.StatusConflict, "PLC_CONFLICT")
	if resp.Header.Get(headerRetryAfter) != "1" {
		t.Fatalf("Retry-After = %q", resp.Header.Get(headerRetryAfter))
	}
}

// tipOnly hides the history methods of a memory log.
type tipOnly struct{ storage.OperationLog }

// downLog fails every call as an unreachable backend would.
type downLog struct{}

func (downLog) ReadTip(context.Context, string) (model.Operation, error) {
	return model.Operation{}, errors.New("dial tcp: connection refused")
}

func (downLog) Append(context.Context, string, model.Operation, string) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}

func TestBackendErrors(t *testing.T) {
	ts := newTestServer(t, tipOnly{storage.NewMemory()}, nil)
	expectStatus(t, post(t, ts, "/"+testDID, genesisBody()), http.StatusOK)
	expectStatus(t, get(t, ts, "/"+testDID), http.StatusOK)
	expectError(t, get(t, ts, "/"+testDID+"/log"), http.StatusNotImplemented, "PLC_NOT_IMPLEMENTED")
	expectError(t, get(t, ts, "/"+testDID+"/log/audit"), http.StatusNotImplemented, "PLC_NOT_IMPLEMENTED")
	expectError(t, get(t, ts, "/export"), http.StatusNotImplemented, "PLC_NOT_IMPLEMENTED")

	down := newTestServer(t, downLog{}, nil)
	expectError(t, get(t, down, "/"+testDID), http.StatusBadGateway, "PLC_EXTERNAL")
	expectError(t, post(t, down, "/"+testDID, genesisBody()), http.StatusBadGateway, "PLC_EXTERNAL")
}

func TestExport(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)
	for _, did := range []string{"did:example:a", "did:example:b", "did:example:c"} {
		expectStatus(t, post(t, ts, "/"+did, genesisBody()), http.StatusOK)
	}

	resp := get(t, ts, "/export?count=2")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get(headerContentType); ct != contentTypeJSONLines {
		t.Fatalf("Content-Type = %q", ct)
	}
	var lines []model.LogEntry
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var e model.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 || lines[0].DID != "did:example:a" || lines[1].DID != "did:example:b" {
		t.Fatalf("export = %+v", lines)
	}

	after := lines[1].CreatedAt.Format(time.RFC3339Nano)
	resp = get(t, ts, "/export?after="+after)
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	rest := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(rest) != 1 || !strings.Contains(rest[0], `"did":"did:example:c"`) {
		t.Fatalf("export after = %q", string(b))
	}

	first := lines[0]
	resp = get(t, ts, fmt.Sprintf("/export?after=%s&seq=%d", first.CreatedAt.Format(time.RFC3339Nano), first.Seq))
	expectStatus(t, resp, http.StatusOK)
	b, _ = io.ReadAll(resp.Body)
	rest = strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(rest) != 2 || !strings.Contains(rest[0], `"did":"did:example:b"`) {
		t.Fatalf("export after seq = %q", string(b))
	}

	expectError(t, get(t, ts, "/export?count=many"), http.StatusBadRequest, "PLC_VALIDATION")
	expectError(t, get(t, ts, "/export?after=yesterday"), http.StatusBadRequest, "PLC_VALIDATION")
	expectError(t, get(t, ts, "/export?seq=2"), http.StatusBadRequest, "PLC_VALIDATION")
	expectError(t, get(t, ts, "/export?after="+after+"&seq=-1"), http.StatusBadRequest, "PLC_VALIDATION")
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+testDID, nil)
	req.Header.Set(headerCorrelationID, "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	env := expectError(t, resp, http.StatusNotFound, "PLC_NOT_FOUND")
	if env.CorrelationID != "req-123" {
		t.Fatalf("correlationId = %q", env.CorrelationID)
	}
}
