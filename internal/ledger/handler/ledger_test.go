package handler_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/hashchain"
	"github.com/jmerrifield20/ReportLedger/internal/identity"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/handler"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/service"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/store"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

type testEnv struct {
	router *gin.Engine
	tokens *identity.TokenIssuer
	now    time.Time
	mu     sync.Mutex
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *testEnv) token(t *testing.T, id string, role authz.Role) string {
	t.Helper()
	tok, err := e.tokens.Issue(authz.Requester{ID: id, TenantID: "firm-1", Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func newService(t *testing.T, now func() time.Time) *service.Service {
	t.Helper()
	keys, err := cryptobox.NewStaticKeyStore(1, map[int][]byte{1: bytes.Repeat([]byte{9}, cryptobox.KeySize)})
	if err != nil {
		t.Fatal(err)
	}
	box, err := cryptobox.New(keys, cryptobox.AlgAES256GCM)
	if err != nil {
		t.Fatal(err)
	}
	chain, err := hashchain.New("")
	if err != nil {
		t.Fatal(err)
	}
	policy, err := retention.NewPolicy(retention.Config{RequireSignOff: []retention.Classification{retention.ClassFinancial}})
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(store.NewMemoryStore(), box, chain, policy, authz.NewRoleAuthorizer(), zap.NewNop())
	svc.SetClock(now)
	return svc
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})

	env := &testEnv{now: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)}
	env.tokens = identity.NewTokenIssuer(rsaKey, "https://ledger.test", time.Hour)
	h := handler.NewLedgerHandler(newService(t, env.clock), env.tokens, zap.NewNop())

	env.router = gin.New()
	h.Register(env.router.Group("/api/v1"))
	return env
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func appendEntry(t *testing.T, env *testEnv, class string) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/tenants/firm-1/entries", env.token(t, "svc:billing", authz.RoleEmitter), map[string]any{
		"classification": class,
		"action":         "invoice.issued",
		"payload":        map[string]any{"amount": 4200, "client": "Acme"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)["id"].(string)
}

func TestAppend_201(t *testing.T) {
	env := setupRouter(t)
	w := env.do(t, http.MethodPost, "/api/v1/tenants/firm-1/entries", env.token(t, "svc:billing", authz.RoleEmitter), map[string]any{
		"classification": "tax",
		"action":         "tax_return.filed",
		"payload":        map[string]any{"form": "1040"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["sequence_index"] != float64(0) || resp["actor"] != "svc:billing" || resp["classification"] != "TAX" {
		t.Errorf("unexpected metadata: %v", resp)
	}
	if _, ok := resp["payload"]; ok {
		t.Error("append response leaked the payload")
	}
}

func TestAppend_errors(t *testing.T) {
	env := setupRouter(t)
	tests := []struct {
		name  string
		token string
		body  any
		want  int
	}{
		{"no token", "", map[string]any{"classification": "TAX", "action": "x"}, http.StatusUnauthorized},
		{"auditor cannot append", env.token(t, "user:audrey", authz.RoleAuditor), map[string]any{"classification": "TAX", "action": "x"}, http.StatusForbidden},
		{"missing action", env.token(t, "svc:billing", authz.RoleEmitter), map[string]any{"classification": "TAX"}, http.StatusBadRequest},
		{"unknown classification", env.token(t, "svc:billing", authz.RoleEmitter), map[string]any{"classification": "GOSSIP", "action": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/tenants/firm-1/entries", tt.token, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetEntry_and_list(t *testing.T) {
	env := setupRouter(t)
	id := appendEntry(t, env, "FINANCIAL")
	appendEntry(t, env, "FINANCIAL")
	auditor := env.token(t, "user:audrey", authz.RoleAuditor)

	w := env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries/"+id, auditor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	linkHash := decode(t, w)["link_hash"].(string)

	w = env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/hashes/"+linkHash, auditor, nil)
	if w.Code != http.StatusOK || decode(t, w)["id"] != id {
		t.Errorf("by hash: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries?from=0&to=1", auditor, nil)
	if w.Code != http.StatusOK || decode(t, w)["count"] != float64(2) {
		t.Errorf("list: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries/tail", auditor, nil)
	if w.Code != http.StatusOK || decode(t, w)["sequence_index"] != float64(1) {
		t.Errorf("tail: %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries/missing", auditor, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing entry: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries?from=abc", auditor, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad range: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/tenants/firm-2/entries/"+id, auditor, nil); w.Code != http.StatusForbidden {
		t.Errorf("cross tenant: expected 403, got %d", w.Code)
	}
}

func TestReadPayload(t *testing.T) {
	env := setupRouter(t)
	id := appendEntry(t, env, "FINANCIAL")

	w := env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries/"+id+"/payload", env.token(t, "user:audrey", authz.RoleAuditor), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	payload := decode(t, w)["payload"].(map[string]any)
	if payload["client"] != "Acme" {
		t.Errorf("payload: %v", payload)
	}

	w = env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries/"+id+"/payload", env.token(t, "svc:billing", authz.RoleEmitter), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("emitter decrypt: expected 403, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/entries/"+id+"/access-log", env.token(t, "user:olga", authz.RoleComplianceOfficer), nil)
	if w.Code != http.StatusOK || decode(t, w)["count"] != float64(2) {
		t.Errorf("access log: %d %s", w.Code, w.Body.String())
	}
}

func TestVerify_200(t *testing.T) {
	env := setupRouter(t)
	appendEntry(t, env, "TAX")
	appendEntry(t, env, "TAX")

	w := env.do(t, http.MethodGet, "/api/v1/tenants/firm-1/verify", env.token(t, "user:audrey", authz.RoleAuditor), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["chain_intact"] != true || resp["total_checked"] != float64(2) {
		t.Errorf("report: %v", resp)
	}
}

func TestLifecycleRoutes(t *testing.T) {
	env := setupRouter(t)
	id := appendEntry(t, env, "FINANCIAL")
	officer := env.token(t, "user:olga", authz.RoleComplianceOfficer)
	base := "/api/v1/tenants/firm-1/entries/" + id

	if w := env.do(t, http.MethodDelete, base, officer, map[string]any{"reason": "cleanup"}); w.Code != http.StatusConflict {
		t.Errorf("delete before expiry: expected 409, got %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, base+"/legal-hold", officer, map[string]any{"reason": "subpoena"}); w.Code != http.StatusOK {
		t.Fatalf("place hold: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, base+"/legal-hold", officer, map[string]any{"reason": "again"}); w.Code != http.StatusConflict {
		t.Errorf("double hold: expected 409, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, base+"/legal-hold", env.token(t, "user:audrey", authz.RoleAuditor), map[string]any{"reason": "x"}); w.Code != http.StatusForbidden {
		t.Errorf("auditor hold: expected 403, got %d", w.Code)
	}

	env.advance(8 * 365 * 24 * time.Hour)
	if w := env.do(t, http.MethodDelete, base, officer, map[string]any{"reason": "cleanup"}); w.Code != http.StatusConflict {
		t.Errorf("delete under hold: expected 409, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, base+"/legal-hold", officer, nil); w.Code != http.StatusOK {
		t.Fatalf("release hold: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodDelete, base, officer, map[string]any{"reason": "cleanup"}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("delete without sign-off: expected 422, got %d", w.Code)
	}
	w := env.do(t, http.MethodDelete, base, officer, map[string]any{"reason": "cleanup", "signed_off_by": "partner:pat"})
	if w.Code != http.StatusOK || decode(t, w)["status"] != "DELETED" {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodGet, base+"/payload", officer, nil); w.Code != http.StatusGone {
		t.Errorf("read deleted: expected 410, got %d", w.Code)
	}
}

func TestArchive_200(t *testing.T) {
	env := setupRouter(t)
	appendEntry(t, env, "TAX")
	env.advance(6 * 365 * 24 * time.Hour)

	w := env.do(t, http.MethodPost, "/api/v1/tenants/firm-1/retention/archive", env.token(t, "user:olga", authz.RoleComplianceOfficer), nil)
	if w.Code != http.StatusOK || decode(t, w)["archived"] != float64(1) {
		t.Errorf("archive: %d %s", w.Code, w.Body.String())
	}
}

func TestHeaderRequester_withoutTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := func() time.Time { return time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC) }
	h := handler.NewLedgerHandler(newService(t, now), nil, zap.NewNop())
	r := gin.New()
	h.Register(r.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/firm-1/verify", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no headers: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tenants/firm-1/verify", nil)
	req.Header.Set("X-Requester-ID", "user:audrey")
	req.Header.Set("X-Requester-Role", "auditor")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("header requester: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes[i] = w.Code
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: %v", codes)
	}
}

func TestRateLimiter_keysOnRequesterBehindIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := func() time.Time { return time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC) }
	h := handler.NewLedgerHandler(newService(t, now), nil, zap.NewNop())
	r := gin.New()
	h.Register(r.Group("/api/v1"), handler.RateLimiter(ctx, 0.001, 1))

	verify := func(id string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/firm-1/verify", nil)
		req.Header.Set("X-Requester-ID", id)
		req.Header.Set("X-Requester-Role", "auditor")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// All requests share one client IP.
	if got := verify("user:audrey"); got != http.StatusOK {
		t.Fatalf("first audrey request: %d", got)
	}
	if got := verify("user:audrey"); got != http.StatusTooManyRequests {
		t.Errorf("second audrey request: %d, want 429", got)
	}
	if got := verify("user:bruno"); got != http.StatusOK {
		t.Errorf("bruno limited by audrey's bucket: %d", got)
	}
}
