package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esignd/internal/audit"
	"esignd/internal/ca"
	"esignd/internal/core"
	"esignd/internal/domain"
	"esignd/internal/health"
	"esignd/internal/metrics"
	"esignd/internal/store"
	"esignd/internal/tracing"
	"esignd/internal/tsa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv     *Server
	core    *core.SignatureCore
	health  *health.Checker
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, opts ...func(*core.Config)) *testServer {
	t.Helper()
	_, caKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, tsaKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	st := store.NewMemory()
	m := metrics.New(false)
	cfg := core.Config{
		MasterSecret: bytes.Repeat([]byte{3}, 32),
		AuthorityKey: caKey,
		TimestampKey: tsaKey,
		Authority: ca.Config{
			Name:         "esignd Test CA",
			Organization: "esignd",
			Country:      "FR",
			Validity:     365 * 24 * time.Hour,
		},
		Timestamp:     tsa.Config{Name: "esignd Test TSA", Timezone: "UTC"},
		AuditLocation: time.UTC,
		Metrics:       m,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := core.New(context.Background(), st, cfg)
	require.NoError(t, err)

	hc := health.NewChecker()
	hc.Register(&health.Component{Name: "store", Critical: true, Check: health.StoreCheck(st)})
	hc.SetReady(true)

	srv := NewServer(Config{MetricsPath: "/metrics", MaxBodyBytes: 1 << 20}, Deps{
		Core:    c,
		Health:  hc,
		Metrics: m,
	})
	return &testServer{srv: srv, core: c, health: hc, metrics: m}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) issue(t *testing.T, owner, name string) *domain.Certificate {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/certificates", issueCertificateRequest{OwnerID: owner, Name: name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeJSON[*domain.Certificate](t, w)
}

func (ts *testServer) sign(t *testing.T, owner string, content []byte, doc string) *domain.Signature {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/signatures", signRequest{OwnerID: owner, Content: content, DocumentID: doc})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeJSON[*domain.Signature](t, w)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeJSON[health.Report](t, w)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.Contains(t, report.Components, "store")

	w = ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.health.SetReady(false)
	w = ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthUnhealthyCriticalComponent(t *testing.T) {
	ts := newTestServer(t)
	ts.health.Register(&health.Component{
		Name:     "broken",
		Critical: true,
		Check: func(context.Context) health.CheckResult {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "down"}
		},
	})

	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthority(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/authority", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "esignd Test CA")
	assert.Contains(t, w.Body.String(), "esignd Test TSA")
	assert.Contains(t, w.Body.String(), `"authorizedKey":"ssh-ed25519 `)
}

func TestCertificateLifecycle(t *testing.T) {
	ts := newTestServer(t)
	cert := ts.issue(t, "alice", "Alice Martin")
	assert.True(t, cert.IsActive)
	assert.Equal(t, "alice", cert.Subject.OwnerID)
	assert.Equal(t, "esignd Test CA", cert.Issuer.Name)

	w := ts.do(t, http.MethodGet, "/v1/certificates/"+cert.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cert.SerialNumber, decodeJSON[*domain.Certificate](t, w).SerialNumber)

	w = ts.do(t, http.MethodGet, "/v1/certificates?owner=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]*domain.Certificate](t, w), 1)

	w = ts.do(t, http.MethodGet, "/v1/certificates/"+cert.ID+"/validation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeJSON[domain.CertificateValidation](t, w)
	assert.True(t, v.IsValid)
	assert.Equal(t, domain.ReasonValid, v.Reason)

	w = ts.do(t, http.MethodPost, "/v1/certificates/"+cert.ID+"/revoke", revokeRequest{Reason: "key compromise"})
	require.Equal(t, http.StatusOK, w.Code)
	revoked := decodeJSON[*domain.Certificate](t, w)
	assert.False(t, revoked.IsActive)
	assert.Equal(t, "key compromise", revoked.RevocationReason)

	w = ts.do(t, http.MethodPost, "/v1/certificates/"+cert.ID+"/revoke", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_REVOKED", decodeJSON[errorResponse](t, w).Code)

	w = ts.do(t, http.MethodGet, "/v1/certificates/"+cert.ID+"/validation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ReasonRevoked, decodeJSON[domain.CertificateValidation](t, w).Reason)

	w = ts.do(t, http.MethodGet, "/v1/owners/alice/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys := decodeJSON[[]*domain.KeyPair](t, w)
	require.Len(t, keys, 1)
	assert.NotContains(t, w.Body.String(), "privateKey")
}

func TestIssueCertificateErrors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/certificates", map[string]any{"name": "No Owner"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", decodeJSON[errorResponse](t, w).Code)

	w = ts.do(t, http.MethodGet, "/v1/certificates/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CERTIFICATE_NOT_FOUND", decodeJSON[errorResponse](t, w).Code)
}

func TestSignAndVerify(t *testing.T) {
	ts := newTestServer(t)
	ts.issue(t, "alice", "Alice Martin")
	content := []byte("contract v1")

	sig := ts.sign(t, "alice", content, "doc-42")
	assert.True(t, sig.IsValid)
	assert.Equal(t, domain.AlgorithmEd25519, sig.Algorithm)
	require.NotNil(t, sig.TimestampRecord)
	assert.Equal(t, sig.ID, sig.TimestampRecord.SignatureID)

	w := ts.do(t, http.MethodPost, "/v1/verify", verifyRequest{Signature: sig, Content: content})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeJSON[verifyResponse](t, w).Valid)

	w = ts.do(t, http.MethodPost, "/v1/verify", verifyRequest{Signature: sig, Content: []byte("contract v2")})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeJSON[verifyResponse](t, w).Valid)

	w = ts.do(t, http.MethodPost, "/v1/signatures/"+sig.ID+"/verify", contentRequest{Content: []byte("tampered")})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[verifyResponse](t, w)
	assert.False(t, resp.Valid)
	require.NotNil(t, resp.Signature)
	assert.False(t, resp.Signature.IsValid)

	w = ts.do(t, http.MethodGet, "/v1/signatures/"+sig.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeJSON[*domain.Signature](t, w).IsValid)

	w = ts.do(t, http.MethodGet, "/v1/signatures?document=doc-42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]*domain.Signature](t, w), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Verifications.WithLabelValues("true", "ok")))
}

func TestSignErrors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/signatures", signRequest{OwnerID: "nobody", Content: []byte("x")})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "NO_PRIVATE_KEY", decodeJSON[errorResponse](t, w).Code)

	w = ts.do(t, http.MethodGet, "/v1/signatures/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SIGNATURE_NOT_FOUND", decodeJSON[errorResponse](t, w).Code)

	w = ts.do(t, http.MethodPost, "/v1/verify", map[string]any{"content": "eA=="})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t)
	big := signRequest{OwnerID: "alice", Content: bytes.Repeat([]byte("a"), 2<<20)}

	w := ts.do(t, http.MethodPost, "/v1/signatures", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "BODY_TOO_LARGE", decodeJSON[errorResponse](t, w).Code)
}

func TestExportBundle(t *testing.T) {
	ts := newTestServer(t)
	cert := ts.issue(t, "alice", "Alice Martin")
	sig := ts.sign(t, "alice", []byte("lease"), "doc-7")

	w := ts.do(t, http.MethodGet, "/v1/signatures/"+sig.ID+"/bundle", nil, headerActor, "auditor")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	bundle := decodeJSON[core.Bundle](t, w)
	assert.Equal(t, sig.ID, bundle.Signature.ID)
	require.NotNil(t, bundle.Certificate)
	assert.Equal(t, cert.ID, bundle.Certificate.ID)

	w = ts.do(t, http.MethodGet, "/v1/signatures/"+sig.ID+"/bundle?format=pdf-stub", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "ELECTRONIC SIGNATURE CERTIFICATE")

	w = ts.do(t, http.MethodGet, "/v1/signatures/"+sig.ID+"/bundle?format=docx", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_FORMAT", decodeJSON[errorResponse](t, w).Code)

	w = ts.do(t, http.MethodGet, "/v1/audit/events?type=export&actor=auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]*domain.AuditEvent](t, w), 1)
}

func TestWorkflowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.issue(t, "bob", "Bob")
	ts.issue(t, "carol", "Carol")
	content := []byte("purchase order 17")

	w := ts.do(t, http.MethodPost, "/v1/workflows", startWorkflowRequest{
		DocumentID:      "po-17",
		DocumentType:    "purchase_order",
		RequiredSigners: []domain.Signer{{ID: "bob", Role: "manager"}, {ID: "carol", Role: "finance"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wf := decodeJSON[workflowResponse](t, w)
	require.NotNil(t, wf.Workflow)
	assert.Equal(t, domain.WorkflowPending, wf.Status)
	assert.Zero(t, wf.Progress)
	require.NotNil(t, wf.NextSigner)
	assert.Equal(t, "bob", wf.NextSigner.ID)

	// bob signs inline.
	w = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/signatures", recordSignatureRequest{SignerID: "bob", Content: content})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decodeJSON[recordSignatureResponse](t, w)
	require.NotNil(t, rec.Signature)
	assert.Equal(t, "bob", rec.Signature.OwnerID)
	assert.Equal(t, domain.WorkflowInProgress, rec.Workflow.Status)
	assert.InDelta(t, 50.0, rec.Workflow.Progress, 1e-9)

	w = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/signatures", recordSignatureRequest{SignerID: "bob", Content: content})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_SIGNED", decodeJSON[errorResponse](t, w).Code)

	// carol attaches a signature she made separately.
	sig := ts.sign(t, "carol", content, "po-17")
	w = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/signatures", recordSignatureRequest{SignerID: "carol", SignatureID: sig.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec = decodeJSON[recordSignatureResponse](t, w)
	assert.Nil(t, rec.Signature)
	assert.Equal(t, domain.WorkflowCompleted, rec.Workflow.Status)
	assert.Nil(t, rec.Workflow.NextSigner)

	w = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/rejections", rejectionRequest{SignerID: "carol", Reason: "late"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/workflows?document=po-17", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]workflowResponse](t, w), 1)
}

func TestWorkflowRejection(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/workflows", startWorkflowRequest{
		DocumentID:      "nda-3",
		RequiredSigners: []domain.Signer{{ID: "dave"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	wf := decodeJSON[workflowResponse](t, w)

	w = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/rejections", rejectionRequest{SignerID: "mallory"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "UNKNOWN_SIGNER", decodeJSON[errorResponse](t, w).Code)

	w = ts.do(t, http.MethodPost, "/v1/workflows/"+wf.ID+"/rejections", rejectionRequest{SignerID: "dave", Reason: "terms"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[workflowResponse](t, w)
	assert.Equal(t, domain.WorkflowRejected, got.Status)
	assert.Equal(t, "terms", got.RejectionReason)

	w = ts.do(t, http.MethodGet, "/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/workflows", map[string]any{"documentId": "x", "requiredSigners": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentAccessAndAudit(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/documents/doc-9/access", nil, headerActor, "erin")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/documents/doc-9/access", accessRequest{ActorID: "frank", Action: "download"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/documents/doc-9/access", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/audit/events?type=document_accessed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeJSON[[]*domain.AuditEvent](t, w)
	require.Len(t, events, 2)
	assert.Equal(t, "erin", events[0].ActorID)
	assert.Equal(t, "download", events[1].Metadata["action"])

	w = ts.do(t, http.MethodGet, "/v1/audit/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "document_accessed")

	w = ts.do(t, http.MethodGet, "/v1/audit/export?format=csv&type=document_accessed", nil, headerActor, "auditor")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 3)

	w = ts.do(t, http.MethodGet, "/v1/audit/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/audit/anomalies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, a := range decodeJSON[[]audit.Anomaly](t, w) {
		assert.NotEqual(t, audit.AnomalyRapidSignatures, a.Type)
	}

	w = ts.do(t, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeJSON[store.ChainReport](t, w).Valid)

	w = ts.do(t, http.MethodGet, "/v1/audit/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/authority", nil, headerRequestID, "req-123")
	assert.Equal(t, "req-123", w.Header().Get(headerRequestID))

	w = ts.do(t, http.MethodGet, "/v1/authority", nil)
	assert.Len(t, w.Header().Get(headerRequestID), 36)

	ts.do(t, http.MethodGet, "/v1/certificates/abc", nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.HTTPRequests.WithLabelValues("GET", "/v1/authority", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.HTTPRequests.WithLabelValues("GET", "/v1/certificates/:id", "404")))

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "esignd_http_requests_total")

	w = ts.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeJSON[errorResponse](t, w).Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.Invalidf("bad"), http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
		{domain.ErrWorkflowClosed, http.StatusConflict, "WORKFLOW_CLOSED"},
		{domain.ErrStorageUnavailable, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
		{domain.ErrIssuance, http.StatusInternalServerError, "ISSUANCE_FAILED"},
		{context.Canceled, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

type spanRecorder struct {
	mu    sync.Mutex
	spans []tracing.SpanData
}

func (r *spanRecorder) ExportSpan(d tracing.SpanData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, d)
}

func (r *spanRecorder) Close() error { return nil }

func (r *spanRecorder) find(name string) (tracing.SpanData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.spans {
		if d.Name == name {
			return d, true
		}
	}
	return tracing.SpanData{}, false
}

func TestTraceContextPropagation(t *testing.T) {
	rec := &spanRecorder{}
	tracer := tracing.New(tracing.Config{Service: "esignd", SampleRatio: 1, Exporter: rec})
	ts := newTestServer(t, func(c *core.Config) { c.Tracer = tracer })
	ts.issue(t, "alice", "Alice")

	const parent = "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	w := ts.do(t, http.MethodPost, "/v1/signatures",
		signRequest{OwnerID: "alice", Content: []byte("traced")},
		tracing.HeaderTraceParent, parent)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	sc, err := tracing.ParseTraceParent(w.Header().Get(tracing.HeaderTraceParent))
	require.NoError(t, err)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", sc.TraceID.String())
	assert.True(t, sc.IsSampled())

	server, ok := rec.find("POST /v1/signatures")
	require.True(t, ok)
	assert.Equal(t, "server", server.Kind)
	assert.Equal(t, "b7ad6b7169203331", server.ParentID)
	assert.Equal(t, "201", server.Attributes["http.status"])
	assert.Equal(t, "ok", server.Status)

	sign, ok := rec.find("core.Sign")
	require.True(t, ok)
	assert.Equal(t, server.TraceID, sign.TraceID)
	assert.Equal(t, server.SpanID, sign.ParentID)
}

func TestTraceStartsNewTraceOnBadHeader(t *testing.T) {
	rec := &spanRecorder{}
	tracer := tracing.New(tracing.Config{Service: "esignd", SampleRatio: 1, Exporter: rec})
	ts := newTestServer(t, func(c *core.Config) { c.Tracer = tracer })

	w := ts.do(t, http.MethodGet, "/v1/authority", nil, tracing.HeaderTraceParent, "garbage")
	require.Equal(t, http.StatusOK, w.Code)

	span, ok := rec.find("GET /v1/authority")
	require.True(t, ok)
	assert.Empty(t, span.ParentID)
	assert.Len(t, span.TraceID, 32)
	assert.Contains(t, w.Header().Get(tracing.HeaderTraceParent), span.TraceID)
}

func TestNoTraceHeaderWhenTracingDisabled(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/authority", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(tracing.HeaderTraceParent))
}
