package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"tvb/internal/redis/progress"
	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
)

func newStatusFixture(t *testing.T) (*sessions.MemStore, *progress.Cache, http.Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := sessions.NewMemStore()
	cache := progress.New(client, rkeys.New("tvb"))

	h := New(Deps{Store: store, Progress: cache})
	r := chi.NewRouter()
	r.Get("/v1/sessions/{sessionId}/status", h.GetSessionStatus)
	return store, cache, r
}

func getStatus(t *testing.T, h http.Handler, sessionID string) (int, SessionStatusResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/v1/sessions/"+sessionID+"/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body SessionStatusResponse
	if rec.Code == 200 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec.Code, body
}

func TestGetSessionStatusCacheFirst(t *testing.T) {
	ctx := context.Background()
	store, cache, h := newStatusFixture(t)

	sess, err := store.CreateNew(ctx, "owner-1", "chat-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.SetProgress(ctx, sess.ID, 10); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if err := cache.SetStatus(ctx, sess.ID, progress.Status{
		State:   sessions.StateRendering,
		Message: "Rendering started",
	}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := cache.SetProgress(ctx, sess.ID, 42); err != nil {
		t.Fatalf("set cached progress: %v", err)
	}

	code, body := getStatus(t, h, sess.ID)
	if code != 200 {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.State != string(sessions.StateRendering) {
		t.Fatalf("state = %s, want cached RENDERING", body.State)
	}
	if body.Percent != 42 {
		t.Fatalf("percent = %d, want cached 42", body.Percent)
	}
	if body.Message != "Rendering started" {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestGetSessionStatusDurableFallback(t *testing.T) {
	ctx := context.Background()
	store, _, h := newStatusFixture(t)

	sess, err := store.CreateNew(ctx, "owner-1", "chat-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.SetState(ctx, sess.ID, sessions.StateRenderFailed); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := store.SetProgress(ctx, sess.ID, 25); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if err := store.SetLastError(ctx, sess.ID, "transform failed"); err != nil {
		t.Fatalf("set last error: %v", err)
	}

	code, body := getStatus(t, h, sess.ID)
	if code != 200 {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.State != string(sessions.StateRenderFailed) {
		t.Fatalf("state = %s, want durable RENDER_FAILED", body.State)
	}
	if body.Percent != 25 {
		t.Fatalf("percent = %d, want durable 25", body.Percent)
	}
	if body.LastError != "transform failed" {
		t.Fatalf("last error = %q", body.LastError)
	}
}

func TestGetSessionStatusNotFound(t *testing.T) {
	_, _, h := newStatusFixture(t)
	code, _ := getStatus(t, h, "nope")
	if code != 404 {
		t.Fatalf("status = %d, want 404", code)
	}
}
