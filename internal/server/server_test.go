package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"chatforge/internal/app"
	"chatforge/internal/identity"
	"chatforge/internal/ratelimit"
	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
	"chatforge/pkg/store"
)

type scriptedGenerator struct {
	response string
}

func (g *scriptedGenerator) StreamChat(_ context.Context, _ ai.StreamRequest, onEvent ai.StreamHandler) (ai.Completion, error) {
	if err := onEvent(ai.StreamEvent{Type: ai.EventTextDelta, Text: g.response}); err != nil {
		return ai.Completion{}, err
	}
	if err := onEvent(ai.StreamEvent{Type: ai.EventFinish}); err != nil {
		return ai.Completion{}, err
	}
	return ai.Completion{Parts: []ai.CompletionPart{{Type: "text", Text: g.response}}}, nil
}

type staticTitler struct{ title string }

func (t *staticTitler) GenerateText(context.Context, string, string) (string, error) {
	return t.title, nil
}

type testEnv struct {
	server      *httptest.Server
	store       *store.MemoryStore
	token       string
	profileHits *int32
}

func newTestEnv(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *testEnv {
	t.Helper()
	verifier, signer := newJWKSVerifier(t)
	token := mustSignToken(t, signer, "user-1")

	var profileHits int32
	profileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/users/") {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&profileHits, 1)
		_ = json.NewEncoder(w).Encode(identity.Profile{
			Subject: strings.TrimPrefix(r.URL.Path, "/users/"),
			Emails:  []identity.Email{{Value: "u@example.com", Primary: true}},
		})
	}))
	t.Cleanup(profileSrv.Close)

	memStore := store.NewMemoryStore()
	application, err := app.New(app.Config{
		Store:     memStore,
		Generator: &scriptedGenerator{response: "Hi!"},
		Titler:    &staticTitler{title: "Greeting"},
		Profiles:  identity.NewClient(profileSrv.URL, ""),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	srv := httptest.NewServer(New(Config{
		App:           application,
		TokenVerifier: verifier,
		ChatLimiter:   limiter,
	}).Router())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: memStore, token: token, profileHits: &profileHits}
}

func (e *testEnv) request(t *testing.T, method, path string, body []byte, token string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func chatBody(t *testing.T, chatID, text string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id": chatID,
		"message": map[string]any{
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": text}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodGet, "/api/history", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	resp = env.request(t, http.MethodGet, "/api/history", nil, mustSignToken(t, otherKey, "user-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid signature expected 401, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(env.profileHits); got != 0 {
		t.Fatalf("profile endpoint should not be hit for rejected tokens, got %d calls", got)
	}

	resp = env.request(t, http.MethodGet, "/api/history", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(env.profileHits); got != 1 {
		t.Fatalf("expected one profile call on first contact, got %d", got)
	}

	// Second request hits the already provisioned local user.
	resp = env.request(t, http.MethodGet, "/api/history", nil, env.token)
	resp.Body.Close()
	if got := atomic.LoadInt32(env.profileHits); got != 1 {
		t.Fatalf("expected cached user on repeat request, got %d profile calls", got)
	}
}

func TestChatStreamDeliversEventsAndPersists(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/api/chat", chatBody(t, "c1", "Hello"), env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event app.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		types = append(types, event.Type)
	}
	if len(types) != 2 || types[0] != app.StreamTextDelta || types[1] != app.StreamFinish {
		t.Fatalf("unexpected event sequence %v", types)
	}

	messages, err := env.store.ListMessagesByChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].Role != domain.RoleUser || messages[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected persisted messages %+v", messages)
	}
	chat, found, _ := env.store.GetChatByID("c1")
	if !found || chat.Title != "Greeting" {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestChatStreamRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:chat", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, limiter)

	resp := env.request(t, http.MethodPost, "/api/chat", chatBody(t, "c1", "one"), env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first post expected 200, got %d", resp.StatusCode)
	}
	resp = env.request(t, http.MethodPost, "/api/chat", chatBody(t, "c1", "two"), env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second post expected 429, got %d", resp.StatusCode)
	}
}

func TestDeleteChatStatuses(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.SaveChat(domain.Chat{ID: "mine", UserID: "user-1"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SaveChat(domain.Chat{ID: "theirs", UserID: "user-2"}); err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, http.MethodDelete, "/api/chat?id=missing", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown chat expected 404, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodDelete, "/api/chat?id=theirs", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign chat expected 401, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodDelete, "/api/chat?id=mine", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own chat expected 200, got %d", resp.StatusCode)
	}
}

func TestHistoryPaginationParams(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodGet, "/api/history?starting_after=a&ending_before=b", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("both cursors expected 400, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/history?starting_after=unknown", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown cursor expected 404, got %d", resp.StatusCode)
	}

	base := time.Now().UTC()
	for i, id := range []string{"c1", "c2", "c3"} {
		if err := env.store.SaveChat(domain.Chat{ID: id, UserID: "user-1", CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	resp = env.request(t, http.MethodGet, "/api/history?limit=2", nil, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var page domain.ChatPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if len(page.Chats) != 2 || !page.HasMore {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Chats[0].ID != "c3" {
		t.Fatalf("expected newest chat first, got %s", page.Chats[0].ID)
	}
}

func TestVoteEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.SaveChat(domain.Chat{ID: "c1", UserID: "user-1"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SaveMessages([]domain.Message{{ID: "m1", ChatID: "c1", Role: domain.RoleAssistant, CreatedAt: time.Now()}}); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]string{"chatId": "c1", "messageId": "m1", "type": "down"})
	resp := env.request(t, http.MethodPatch, "/api/vote", body, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vote expected 200, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(map[string]string{"chatId": "c1", "messageId": "m1", "type": "sideways"})
	resp = env.request(t, http.MethodPatch, "/api/vote", body, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad vote type expected 400, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/vote?chatId=c1", nil, env.token)
	defer resp.Body.Close()
	var votes []domain.Vote
	if err := json.NewDecoder(resp.Body).Decode(&votes); err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 || votes[0].IsUpvoted {
		t.Fatalf("unexpected votes %+v", votes)
	}
}

func TestDocumentEndpointsMaskForeignDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.SaveDocument(domain.Document{ID: "d1", UserID: "user-2", Kind: domain.KindText, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, http.MethodGet, "/api/document?id=d1", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign document expected 404, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/suggestions?documentId=d1", nil, env.token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign suggestions expected 404, got %d", resp.StatusCode)
	}
}

func newJWKSVerifier(t *testing.T) (*identity.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
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

	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "chatforge-identity",
		Audience: "chatforge-api",
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return verifier, key
}

func mustSignToken(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "chatforge-identity",
		Audience:  jwt.ClaimStrings{"chatforge-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
