package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/quartz"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/auth"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/hierarchy"
	"github.com/org/pwsafe/internal/policy"
	"github.com/org/pwsafe/internal/rar"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulttest"
	"github.com/org/pwsafe/pkg/models"
)

// newBareServer returns a server over an empty, uninitialized backend.
func newBareServer(t *testing.T) *Server {
	t.Helper()
	db := storage.NewMemoryBackend()
	clock := quartz.NewMock(t)
	cfg := config.NewStore(db, nil)
	auditLog := audit.NewLogger(db, clock, nil, cfg)
	actors := actor.NewService(db, clock, auditLog, actor.Options{KDF: vaulttest.KDF})
	caps := capability.NewStore(actors, cfg, clock)
	items := secret.NewStore(db, actors, caps, auditLog, clock)
	seal := core.NewSealManager(db, clock)
	return NewServer(Services{
		Clock:    clock,
		DB:       db,
		Seal:     seal,
		Config:   cfg,
		Audit:    auditLog,
		Actors:   actors,
		Items:    items,
		Tree:     hierarchy.NewService(db, actors, caps, items, auditLog, cfg, clock),
		Requests: rar.NewService(db, actors, caps, auditLog, cfg, clock),
		Policies: policy.NewEngine(db, actors, auditLog),
		Logins:   auth.NewService(db, auth.NewRegistry(), auth.NewTokenService(seal, actors, cfg, clock), auditLog, cfg),
	}, Config{})
}

// newTestServer returns a server over a bootstrapped, unsealed vault.
func newTestServer(t *testing.T) (*Server, *vaulttest.Env) {
	t.Helper()
	env := vaulttest.New(t)
	srv := NewServer(Services{
		Clock:    env.Clock,
		DB:       env.DB,
		Seal:     env.Seal,
		Config:   env.Config,
		Audit:    env.Audit,
		Actors:   env.Actors,
		Items:    env.Items,
		Tree:     env.Tree,
		Requests: env.Requests,
		Policies: env.Policies,
		Logins:   env.Logins,
	}, Config{})
	return srv, env
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, handler, http.MethodPost, path, body, token)
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, handler, http.MethodGet, path, nil, token)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func login(t *testing.T, handler http.Handler, user, password string) string {
	t.Helper()
	w := postJSON(t, handler, "/v1/auth/login", map[string]any{"login": user, "password": password}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", user, w.Code, w.Body.String())
	}
	token, _ := decodeBody(t, w)["token"].(string)
	if token == "" {
		t.Fatalf("login %s returned no token", user)
	}
	return token
}

func expect(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	handler := newBareServer(t).BuildRouter()

	w := getJSON(t, handler, "/v1/sys/health", "")
	expect(t, w, http.StatusServiceUnavailable)
	body := decodeBody(t, w)
	if sealed, _ := body["sealed"].(bool); !sealed {
		t.Error("expected sealed=true")
	}
	if initialized, _ := body["initialized"].(bool); initialized {
		t.Error("expected initialized=false")
	}
}

func TestInitSealAndUnseal(t *testing.T) {
	srv := newBareServer(t)
	handler := srv.BuildRouter()

	w := postJSON(t, handler, "/v1/sys/init", map[string]any{"secret_shares": 3, "secret_threshold": 2}, "")
	expect(t, w, http.StatusBadRequest)

	w = postJSON(t, handler, "/v1/sys/init", map[string]any{
		"secret_shares": 3, "secret_threshold": 2,
		"admin_login": "root", "admin_password": "a long admin password",
	}, "")
	expect(t, w, http.StatusOK)
	raw, _ := decodeBody(t, w)["keys"].([]any)
	if len(raw) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(raw))
	}

	expect(t, getJSON(t, handler, "/v1/sys/health", ""), http.StatusOK)
	expect(t, postJSON(t, handler, "/v1/sys/init", map[string]any{
		"secret_shares": 3, "secret_threshold": 2,
		"admin_login": "root", "admin_password": "a long admin password",
	}, ""), http.StatusConflict)

	token := login(t, handler, "root", "a long admin password")
	expect(t, getJSON(t, handler, "/v1/auth/self", token), http.StatusOK)

	expect(t, doJSON(t, handler, http.MethodPut, "/v1/sys/seal", nil, token), http.StatusOK)
	if !srv.svc.Seal.IsSealed() {
		t.Fatal("server should be sealed after PUT /v1/sys/seal")
	}
	expect(t, getJSON(t, handler, "/v1/auth/self", token), http.StatusServiceUnavailable)
	expect(t, postJSON(t, handler, "/v1/auth/login", map[string]any{"login": "root", "password": "a long admin password"}, ""), http.StatusServiceUnavailable)

	w = postJSON(t, handler, "/v1/sys/unseal", map[string]any{"key": raw[0]}, "")
	expect(t, w, http.StatusOK)
	if sealed, _ := decodeBody(t, w)["sealed"].(bool); !sealed {
		t.Fatal("one share should not unseal")
	}
	w = postJSON(t, handler, "/v1/sys/unseal", map[string]any{"key": raw[2]}, "")
	expect(t, w, http.StatusOK)
	if sealed, _ := decodeBody(t, w)["sealed"].(bool); sealed {
		t.Fatal("two shares should unseal")
	}

	// Sessions issued before the seal work again.
	expect(t, getJSON(t, handler, "/v1/auth/self", token), http.StatusOK)
}

func TestUnsealResetKeepsServerUnsealed(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	expect(t, postJSON(t, handler, "/v1/sys/unseal", map[string]any{"reset": true}, ""), http.StatusOK)
	if srv.svc.Seal.IsSealed() {
		t.Error("reset must not seal the server")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	expect(t, getJSON(t, handler, "/v1/items/anything", ""), http.StatusUnauthorized)
	expect(t, getJSON(t, handler, "/v1/items/anything", "not-a-token"), http.StatusForbidden)
	expect(t, postJSON(t, handler, "/v1/auth/login", map[string]any{"login": "admin", "password": "wrong"}, ""), http.StatusForbidden)
}

func TestItemLifecycle(t *testing.T) {
	srv, env := newTestServer(t)
	handler := srv.BuildRouter()
	bob := env.NewUser(t, "bob")

	admin := login(t, handler, "admin", vaulttest.AdminPassword)
	bobToken := login(t, handler, "bob", vaulttest.Password("bob"))

	w := postJSON(t, handler, "/v1/items", map[string]any{
		"name":            "db",
		"history_enabled": true,
		"payload":         map[string]any{"username": "app", "password": "hunter2"},
		"grants": []map[string]any{
			{"actor": map[string]any{"type": "user", "id": bob.ID()}, "permission": "read"},
		},
	}, admin)
	expect(t, w, http.StatusCreated)
	id, _ := decodeBody(t, w)["id"].(string)

	w = getJSON(t, handler, "/v1/items/"+id, bobToken)
	expect(t, w, http.StatusOK)
	payload, _ := decodeBody(t, w)["payload"].(map[string]any)
	if payload["password"] != "hunter2" {
		t.Errorf("expected password=hunter2, got %v", payload["password"])
	}

	w = getJSON(t, handler, "/v1/items/"+id+"/info", bobToken)
	expect(t, w, http.StatusOK)
	if perm := decodeBody(t, w)["permission"]; perm != "read" {
		t.Errorf("expected read permission, got %v", perm)
	}

	update := map[string]any{"payload": map[string]any{"username": "app", "password": "hunter3"}}
	expect(t, doJSON(t, handler, http.MethodPut, "/v1/items/"+id, update, bobToken), http.StatusForbidden)
	expect(t, doJSON(t, handler, http.MethodPut, "/v1/items/"+id, update, admin), http.StatusOK)

	w = getJSON(t, handler, "/v1/items/"+id+"/history", admin)
	expect(t, w, http.StatusOK)
	versions, _ := decodeBody(t, w)["versions"].([]any)
	if len(versions) != 2 {
		t.Errorf("expected 2 versions, got %d", len(versions))
	}

	w = getJSON(t, handler, "/v1/items/"+id+"/env", bobToken)
	expect(t, w, http.StatusOK)
	if !bytes.Contains(w.Body.Bytes(), []byte("hunter3")) {
		t.Errorf("env export lacks the password: %s", w.Body.String())
	}

	expect(t, doJSON(t, handler, http.MethodDelete, "/v1/items/"+id+"/access/user/"+bob.ID(), nil, admin), http.StatusNoContent)
	expect(t, getJSON(t, handler, "/v1/items/"+id, bobToken), http.StatusForbidden)

	expect(t, doJSON(t, handler, http.MethodDelete, "/v1/items/"+id, nil, admin), http.StatusNoContent)
	expect(t, getJSON(t, handler, "/v1/items/"+id, admin), http.StatusNotFound)
}

func TestNodes(t *testing.T) {
	srv, env := newTestServer(t)
	handler := srv.BuildRouter()
	bob := env.NewUser(t, "bob")

	admin := login(t, handler, "admin", vaulttest.AdminPassword)
	bobToken := login(t, handler, "bob", vaulttest.Password("bob"))

	w := postJSON(t, handler, "/v1/nodes", map[string]any{"parent_id": models.RootNodeID, "name": "ops"}, admin)
	expect(t, w, http.StatusCreated)
	ops, _ := decodeBody(t, w)["id"].(string)

	w = postJSON(t, handler, "/v1/items", map[string]any{
		"name":    "router",
		"node_id": ops,
		"payload": map[string]any{"password": "p"},
	}, admin)
	expect(t, w, http.StatusCreated)

	w = getJSON(t, handler, "/v1/nodes/"+ops+"/children", admin)
	expect(t, w, http.StatusOK)
	children, _ := decodeBody(t, w)["nodes"].([]any)
	if len(children) != 1 {
		t.Fatalf("expected one child, got %d", len(children))
	}

	expect(t, doJSON(t, handler, http.MethodPut, "/v1/nodes/"+ops+"/defaults/user/"+bob.ID(), map[string]any{"permission": "read"}, admin), http.StatusNoContent)
	w = getJSON(t, handler, "/v1/nodes/"+ops+"/defaults", admin)
	expect(t, w, http.StatusOK)
	defs, _ := decodeBody(t, w)["defaults"].([]any)
	if len(defs) != 1 {
		t.Errorf("expected one default, got %d", len(defs))
	}

	w = doJSON(t, handler, http.MethodPatch, "/v1/nodes/"+ops, map[string]any{"name": "operations"}, admin)
	expect(t, w, http.StatusOK)
	if name := decodeBody(t, w)["name"]; name != "operations" {
		t.Errorf("expected renamed node, got %v", name)
	}

	w = getJSON(t, handler, "/v1/nodes/home", bobToken)
	expect(t, w, http.StatusOK)
	if owner := decodeBody(t, w)["owner_id"]; owner != bob.ID() {
		t.Errorf("expected home owned by bob, got %v", owner)
	}
}

func TestRestrictedAccessRequest(t *testing.T) {
	srv, env := newTestServer(t)
	handler := srv.BuildRouter()
	env.NewUser(t, "bob")

	admin := login(t, handler, "admin", vaulttest.AdminPassword)
	bobToken := login(t, handler, "bob", vaulttest.Password("bob"))

	w := postJSON(t, handler, "/v1/items", map[string]any{
		"name":              "break-glass",
		"payload":           map[string]any{"password": "emergency"},
		"restricted_access": map[string]any{"enabled": true, "approvers_required": 1},
	}, admin)
	expect(t, w, http.StatusCreated)
	itemID, _ := decodeBody(t, w)["id"].(string)

	w = postJSON(t, handler, "/v1/requests", map[string]any{"item_id": itemID, "reason": "outage"}, bobToken)
	expect(t, w, http.StatusCreated)
	reqID, _ := decodeBody(t, w)["id"].(string)

	expect(t, getJSON(t, handler, "/v1/requests/"+reqID+"/item", bobToken), http.StatusUnprocessableEntity)

	w = getJSON(t, handler, "/v1/requests/pending", admin)
	expect(t, w, http.StatusOK)
	if pending, _ := decodeBody(t, w)["requests"].([]any); len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}

	expect(t, postJSON(t, handler, "/v1/requests/"+reqID+"/vote", map[string]any{"vote": "maybe"}, admin), http.StatusBadRequest)
	expect(t, postJSON(t, handler, "/v1/requests/"+reqID+"/vote", map[string]any{"vote": "approve"}, bobToken), http.StatusForbidden)
	w = postJSON(t, handler, "/v1/requests/"+reqID+"/vote", map[string]any{"vote": "approve"}, admin)
	expect(t, w, http.StatusOK)
	if state := decodeBody(t, w)["state"]; state != string(rar.Approved) {
		t.Fatalf("expected approved, got %v", state)
	}

	w = getJSON(t, handler, "/v1/requests/"+reqID+"/item", bobToken)
	expect(t, w, http.StatusOK)
	payload, _ := decodeBody(t, w)["payload"].(map[string]any)
	if payload["password"] != "emergency" {
		t.Errorf("expected password=emergency, got %v", payload["password"])
	}
	expect(t, getJSON(t, handler, "/v1/requests/"+reqID+"/item", admin), http.StatusForbidden)
}

func TestPolicyCheck(t *testing.T) {
	srv, env := newTestServer(t)
	handler := srv.BuildRouter()
	env.NewUser(t, "bob")

	admin := login(t, handler, "admin", vaulttest.AdminPassword)
	bobToken := login(t, handler, "bob", vaulttest.Password("bob"))

	strong := map[string]any{"name": "strong", "min_length": 12, "min_digits": 2}
	expect(t, postJSON(t, handler, "/v1/policies", strong, bobToken), http.StatusForbidden)
	w := postJSON(t, handler, "/v1/policies", strong, admin)
	expect(t, w, http.StatusCreated)
	id, _ := decodeBody(t, w)["id"].(string)

	w = postJSON(t, handler, "/v1/policies/"+id+"/check", map[string]any{"password": "short1"}, bobToken)
	expect(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if ok, _ := body["ok"].(bool); ok {
		t.Error("short1 should violate the policy")
	}
	if v, _ := body["violations"].([]any); len(v) == 0 {
		t.Error("expected violations")
	}

	w = postJSON(t, handler, "/v1/policies/"+id+"/check", map[string]any{"password": "longpassword12"}, bobToken)
	expect(t, w, http.StatusOK)
	if ok, _ := decodeBody(t, w)["ok"].(bool); !ok {
		t.Error("longpassword12 should satisfy the policy")
	}

	w = getJSON(t, handler, "/v1/policies", bobToken)
	expect(t, w, http.StatusOK)
	if pols, _ := decodeBody(t, w)["policies"].([]any); len(pols) != 1 {
		t.Errorf("expected one policy, got %d", len(pols))
	}
}

func TestAuditLogAdminOnly(t *testing.T) {
	srv, env := newTestServer(t)
	handler := srv.BuildRouter()
	env.NewUser(t, "bob")

	admin := login(t, handler, "admin", vaulttest.AdminPassword)
	bobToken := login(t, handler, "bob", vaulttest.Password("bob"))

	expect(t, getJSON(t, handler, "/v1/sys/audit-log", bobToken), http.StatusForbidden)
	expect(t, getJSON(t, handler, "/v1/sys/audit-log?since=yesterday", admin), http.StatusBadRequest)

	w := getJSON(t, handler, "/v1/sys/audit-log?limit=5", admin)
	expect(t, w, http.StatusOK)
	entries, _ := decodeBody(t, w)["data"].([]any)
	if len(entries) == 0 || len(entries) > 5 {
		t.Errorf("expected between 1 and 5 entries, got %d", len(entries))
	}
}

func TestConfigKeys(t *testing.T) {
	srv, env := newTestServer(t)
	handler := srv.BuildRouter()
	env.NewUser(t, "bob")

	admin := login(t, handler, "admin", vaulttest.AdminPassword)
	bobToken := login(t, handler, "bob", vaulttest.Password("bob"))

	expect(t, getJSON(t, handler, "/v1/sys/config/no_such_key", admin), http.StatusNotFound)
	body := map[string]any{"value": "user"}
	expect(t, doJSON(t, handler, http.MethodPut, "/v1/sys/config/"+config.KeyAccessPrecedence, body, bobToken), http.StatusForbidden)
	expect(t, doJSON(t, handler, http.MethodPut, "/v1/sys/config/"+config.KeyAccessPrecedence, body, admin), http.StatusNoContent)

	if got := env.Config.String(context.Background(), config.KeyAccessPrecedence); got != "user" {
		t.Errorf("expected precedence=user, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	_, env := newTestServer(t)
	srv := NewServer(Services{
		Clock:  env.Clock,
		DB:     env.DB,
		Seal:   env.Seal,
		Config: env.Config,
		Audit:  env.Audit,
		Actors: env.Actors,
		Logins: env.Logins,
	}, Config{RateLimit: 1, RateBurst: 1})
	handler := srv.BuildRouter()

	expect(t, getJSON(t, handler, "/v1/sys/health", ""), http.StatusOK)
	expect(t, getJSON(t, handler, "/v1/sys/health", ""), http.StatusTooManyRequests)

	// Another client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/v1/sys/health", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	expect(t, w, http.StatusOK)
}
