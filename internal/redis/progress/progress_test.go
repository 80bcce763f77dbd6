package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, rkeys.New("tvb")), mr
}

func TestStatusRoundTrip(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	if _, ok := c.GetStatus(ctx, "s1"); ok {
		t.Fatal("status should be absent initially")
	}

	err := c.SetStatus(ctx, "s1", Status{
		State:   sessions.StateRendering,
		Message: "Rendering started",
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}

	st, ok := c.GetStatus(ctx, "s1")
	if !ok {
		t.Fatal("status should be present")
	}
	if st.State != sessions.StateRendering || st.Message != "Rendering started" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should default to now")
	}
}

func TestProgressClamping(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	cases := []struct {
		in   float64
		want int
	}{
		{-5, 0},
		{0, 0},
		{42.4, 42},
		{100, 100},
		{150, 100},
	}
	for _, tc := range cases {
		if err := c.SetProgress(ctx, "s1", tc.in); err != nil {
			t.Fatalf("set progress %v: %v", tc.in, err)
		}
		got, ok := c.GetProgress(ctx, "s1")
		if !ok || got != tc.want {
			t.Errorf("progress %v: got %d ok=%v, want %d", tc.in, got, ok, tc.want)
		}
	}
}

func TestLastErrorOutlivesStatus(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	_ = c.SetStatus(ctx, "s1", Status{State: sessions.StateRenderFailed})
	_ = c.SetProgress(ctx, "s1", 40)
	_ = c.SetLastError(ctx, "s1", "ffmpeg exited with code 1")

	// Status and progress expire after an hour; the error stays for a day.
	mr.FastForward(2 * time.Hour)

	if _, ok := c.GetStatus(ctx, "s1"); ok {
		t.Fatal("status should have expired")
	}
	if _, ok := c.GetProgress(ctx, "s1"); ok {
		t.Fatal("progress should have expired")
	}
	msg, ok := c.GetLastError(ctx, "s1")
	if !ok || msg != "ffmpeg exited with code 1" {
		t.Fatalf("last error should persist: ok=%v msg=%q", ok, msg)
	}

	mr.FastForward(25 * time.Hour)
	if _, ok := c.GetLastError(ctx, "s1"); ok {
		t.Fatal("last error should expire after a day")
	}
}
