package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"quillai/internal/security"
	"quillai/internal/usertoken"
	"quillai/pkg/ai"
	"quillai/pkg/billing"
	"quillai/pkg/domain"
	"quillai/pkg/storage"
	"quillai/pkg/store"
	"quillai/pkg/vectorindex"
	"quillai/services/api/internal/app"
)

const (
	testIssuer   = "https://quill.test.kinde.com"
	testAudience = "quill-api"
)

type fakeVerifier map[string]usertoken.Identity

func (f fakeVerifier) Verify(_ context.Context, token string) (usertoken.Identity, error) {
	id, ok := f[token]
	if !ok {
		return usertoken.Identity{}, usertoken.ErrInvalidToken
	}
	return id, nil
}

type constEmbedder struct{}

func (constEmbedder) EmbedText(context.Context, string, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, fileID)
	return nil
}

type testEnv struct {
	srv        *httptest.Server
	redis      *miniredis.Miniredis
	store      *store.MemoryStore
	dispatcher *recordingDispatcher
}

type envOptions struct {
	verifier    TokenVerifier
	chatLimit   int
	uploadLimit int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	gw, err := billing.NewGateway(billing.Config{Users: st, AppBaseURL: "https://app.test"})
	if err != nil {
		t.Fatalf("billing gateway: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	streamer := ai.StreamerFunc(func(_ context.Context, _ ai.ChatRequest, onDelta func(string) error) (string, error) {
		var b strings.Builder
		for _, part := range []string{"Hello", ", ", "world"} {
			b.WriteString(part)
			if err := onDelta(part); err != nil {
				return b.String(), err
			}
		}
		return b.String(), nil
	})
	a, err := app.New(app.Config{
		Store:      st,
		Objects:    storage.NewMemoryStore("http://files.test"),
		Index:      vectorindex.NewMemoryIndex(),
		Embedder:   constEmbedder{},
		Chat:       streamer,
		Billing:    gw,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier := opts.verifier
	if verifier == nil {
		verifier = fakeVerifier{
			"token-alice": {Subject: "kp_alice", Email: "alice@test"},
			"token-bob":   {Subject: "kp_bob", Email: "bob@test"},
		}
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, err := New(Config{
		App:                      a,
		TokenVerifier:            verifier,
		Redis:                    rdb,
		ChatRateLimitPerMinute:   opts.chatLimit,
		UploadRateLimitPerMinute: opts.uploadLimit,
		Alerter:                  security.NewAuditAlerter(rdb, "test:alerts", nil),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, redis: mr, store: st, dispatcher: dispatcher}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) signIn(t *testing.T, token string) domain.User {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/auth/callback", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	var out struct {
		User domain.User `json:"user"`
	}
	decode(t, resp, &out)
	return out.User
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func multipartPDF(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestAuthenticatedRouteRequiresValidTokenAndAccount(t *testing.T) {
	verifier, key := newJWKSVerifier(t)
	env := newTestEnv(t, envOptions{verifier: verifier})
	validToken := mustSignUserToken(t, key, "kp_alice", "alice@test")
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate invalid key: %v", err)
	}
	invalidToken := mustSignUserToken(t, otherKey, "kp_alice", "alice@test")

	// 1) Missing token.
	resp := env.do(t, http.MethodGet, "/api/files", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}
	var body errorBody
	decode(t, resp, &body)
	if body.Code != CodeNotAuthenticated || body.RequestID == "" {
		t.Fatalf("error body = %+v", body)
	}

	// 2) Token signed by an unknown key.
	if resp := env.do(t, http.MethodGet, "/api/files", invalidToken, nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token expected 401, got %d", resp.StatusCode)
	}

	// 3) Valid token without an account yet.
	if resp := env.do(t, http.MethodGet, "/api/files", validToken, nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown account expected 401, got %d", resp.StatusCode)
	}

	// 4) Callback creates the account, after which the route passes.
	env.signIn(t, validToken)
	resp = env.do(t, http.MethodGet, "/api/files", validToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed-in request expected 200, got %d", resp.StatusCode)
	}
	var list struct {
		Items []domain.File `json:"items"`
		Count int           `json:"count"`
	}
	decode(t, resp, &list)
	if list.Count != 0 || list.Items == nil {
		t.Fatalf("list = %+v, want empty non-nil items", list)
	}
}

func TestUploadThenSaveDispatchesIngestion(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.signIn(t, "token-alice")

	body, ct := multipartPDF(t, "paper.pdf", []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"))
	resp := env.do(t, http.MethodPost, "/api/upload", "token-alice", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var up app.UploadResult
	decode(t, resp, &up)
	if up.Key == "" || up.StorageKey == "" || up.FileName != "paper.pdf" || !strings.HasPrefix(up.URL, "http://files.test/") {
		t.Fatalf("upload result = %+v", up)
	}

	payload, _ := json.Marshal(up)
	resp = env.do(t, http.MethodPost, "/api/files", "token-alice", bytes.NewReader(payload), "application/json")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	var saved domain.File
	decode(t, resp, &saved)
	if saved.Status != domain.StatusPending || saved.Key != up.Key {
		t.Fatalf("saved file = %+v", saved)
	}
	if len(env.dispatcher.ids) != 1 || env.dispatcher.ids[0] != saved.ID {
		t.Fatalf("dispatched = %v, want [%s]", env.dispatcher.ids, saved.ID)
	}

	resp = env.do(t, http.MethodGet, "/api/files/by-key/"+up.Key, "token-alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("by-key status = %d", resp.StatusCode)
	}
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.signIn(t, "token-alice")

	tests := []struct {
		name       string
		fileName   string
		content    []byte
		wantStatus int
		wantMsg    string
	}{
		{"not a pdf", "notes.pdf", []byte("plain text pretending"), http.StatusBadRequest, "only PDF files are supported"},
		{"over free plan", "big.pdf", append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("a"), 5<<20)...), http.StatusRequestEntityTooLarge, "the Free plan allows up to 4MB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartPDF(t, tt.fileName, tt.content)
			resp := env.do(t, http.MethodPost, "/api/upload", "token-alice", body, ct)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var out map[string]string
			decode(t, resp, &out)
			if !strings.Contains(out["message"], tt.wantMsg) {
				t.Fatalf("message = %q, want it to contain %q", out["message"], tt.wantMsg)
			}
		})
	}

	resp := env.do(t, http.MethodPost, "/api/upload", "token-alice", strings.NewReader("x"), "text/plain")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d, want 400", resp.StatusCode)
	}
}

func createFile(t *testing.T, env *testEnv, owner domain.User, id string) domain.File {
	t.Helper()
	f := domain.File{
		ID: id, UserID: owner.ID, Key: "md5-" + id, Name: id + ".pdf",
		StorageKey: owner.ID + "/" + id + ".pdf", Status: domain.StatusSuccess,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := env.store.CreateFile(context.Background(), f); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return f
}

func TestMessageStreamsPlainText(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	alice := env.signIn(t, "token-alice")
	f := createFile(t, env, alice, "file-1")

	resp := env.do(t, http.MethodPost, "/api/message", "token-alice",
		strings.NewReader(`{"fileId":"file-1","message":"What is this about?"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	text, _ := io.ReadAll(resp.Body)
	if string(text) != "Hello, world" {
		t.Fatalf("body = %q", text)
	}

	resp = env.do(t, http.MethodGet, "/api/files/"+f.ID+"/messages?limit=10", "token-alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
	var page domain.MessagePage
	decode(t, resp, &page)
	if len(page.Messages) != 2 || page.Messages[0].IsUserMessage || page.Messages[0].Text != "Hello, world" {
		t.Fatalf("page = %+v", page)
	}
}

func TestMessageValidationUsesJSONErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.signIn(t, "token-alice")

	resp := env.do(t, http.MethodPost, "/api/message", "token-alice",
		strings.NewReader(`{"fileId":"missing","message":"hi"}`), "application/json")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown file status = %d, want 404", resp.StatusCode)
	}
	var body errorBody
	decode(t, resp, &body)
	if body.Code != CodeNotFound {
		t.Fatalf("code = %q", body.Code)
	}

	resp = env.do(t, http.MethodPost, "/api/message", "token-alice", strings.NewReader(`{`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", resp.StatusCode)
	}
}

func TestMessageRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{chatLimit: 1})
	alice := env.signIn(t, "token-alice")
	createFile(t, env, alice, "file-1")

	send := func() *http.Response {
		return env.do(t, http.MethodPost, "/api/message", "token-alice",
			strings.NewReader(`{"fileId":"file-1","message":"hi"}`), "application/json")
	}
	if resp := send(); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp.StatusCode)
	}
	resp := send()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestForeignFilesAreHidden(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	alice := env.signIn(t, "token-alice")
	env.signIn(t, "token-bob")
	f := createFile(t, env, alice, "file-a")

	for _, path := range []string{"/api/files/" + f.ID, "/api/files/" + f.ID + "/messages", "/api/files/by-key/" + f.Key} {
		if resp := env.do(t, http.MethodGet, path, "token-bob", nil, ""); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s as bob = %d, want 404", path, resp.StatusCode)
		}
	}
	if resp := env.do(t, http.MethodDelete, "/api/files/"+f.ID, "token-bob", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE as bob = %d, want 404", resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/files/"+f.ID+"/status", "token-bob", nil, "")
	var status map[string]domain.FileStatus
	decode(t, resp, &status)
	if resp.StatusCode != http.StatusOK || status["status"] != domain.StatusPending {
		t.Fatalf("foreign status = %d %v, want 200 PENDING", resp.StatusCode, status)
	}

	resp = env.do(t, http.MethodDelete, "/api/files/"+f.ID, "token-alice", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete = %d, want 200", resp.StatusCode)
	}
	if _, ok, _ := env.store.GetFile(context.Background(), f.ID); ok {
		t.Fatalf("file still present after delete")
	}
}

func TestMessagePageLimitValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	alice := env.signIn(t, "token-alice")
	f := createFile(t, env, alice, "file-1")

	for _, q := range []string{"limit=abc", "limit=101", "limit=-1", "cursor=nope"} {
		resp := env.do(t, http.MethodGet, "/api/files/"+f.ID+"/messages?"+q, "token-alice", nil, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestBillingEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.signIn(t, "token-alice")

	resp := env.do(t, http.MethodGet, "/api/billing/plan", "token-alice", nil, "")
	var plan billing.SubscriptionPlan
	decode(t, resp, &plan)
	if plan.Name != billing.Free.Name || plan.IsSubscribed {
		t.Fatalf("plan = %+v, want unsubscribed Free", plan)
	}

	resp = env.do(t, http.MethodPost, "/api/webhooks/stripe", "", strings.NewReader(`{"type":"checkout.session.completed"}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned webhook = %d, want 400", resp.StatusCode)
	}
}

func TestFailedAuthIsCountedForAlerts(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.do(t, http.MethodGet, "/api/files", "token-unknown", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	found := false
	for _, key := range env.redis.Keys() {
		if strings.HasPrefix(key, "test:alerts:api.token.verify:fail:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no alert counter in %v", env.redis.Keys())
	}
}

func TestAppErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{app.ErrNotAuthenticated, CodeNotAuthenticated},
		{app.ErrFileNotFound, CodeNotFound},
		{app.ErrInvalidInput, CodeValidation},
		{app.ErrUnsupportedType, CodeValidation},
		{app.ErrFileTooLarge, CodePayloadTooLarge},
		{app.ErrUpstream, CodeUpstreamFailure},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		_, code, _ := appErrorStatus(tt.err)
		if code != tt.code {
			t.Fatalf("appErrorStatus(%v) code = %s, want %s", tt.err, code, tt.code)
		}
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	st := store.NewMemoryStore()
	gw, _ := billing.NewGateway(billing.Config{Users: st, AppBaseURL: "https://app.test"})
	a, err := app.New(app.Config{
		Store: st, Objects: storage.NewMemoryStore(""), Index: vectorindex.NewMemoryIndex(),
		Embedder: constEmbedder{}, Chat: ai.StreamerFunc(nil), Billing: gw, Dispatcher: &recordingDispatcher{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := New(Config{App: a, TokenVerifier: fakeVerifier{}}); err == nil {
		t.Fatalf("expected limiter initialization to fail without redis")
	}
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(context.Background(), usertoken.Config{
		Issuer:   testIssuer,
		JWKSURL:  jwksServer.URL,
		Audience: testAudience,
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func mustSignUserToken(t *testing.T, key *rsa.PrivateKey, subject, email string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"iss":   testIssuer,
		"aud":   []string{testAudience},
		"exp":   now.Add(time.Minute).Unix(),
		"iat":   now.Unix(),
		"nbf":   now.Add(-time.Second).Unix(),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
