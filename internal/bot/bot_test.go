package bot

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"tvb/internal/ports"
	"tvb/internal/queue"
	"tvb/internal/redis/progress"
	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
	"tvb/internal/telegram"
)

type fakeAPI struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeAPI) GetUpdates(context.Context, int64, time.Duration) ([]telegram.Update, error) {
	return nil, nil
}

func (f *fakeAPI) AnswerCallbackQuery(context.Context, string) error { return nil }

func (f *fakeAPI) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAPI) SendTextWithKeyboard(_ context.Context, _, text string, _ [][]telegram.Button) error {
	return f.SendText(nil, "", text)
}

func (f *fakeAPI) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeFetcher struct{}

func (fakeFetcher) ResolveAndStream(context.Context, string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("video-bytes")), "videos/file_7.mp4", nil
}

type mapStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mapStorage) Provider() string { return "fake" }

func (m *mapStorage) PutObject(_ context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[in.ObjectKey] = b
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(b))}, nil
}

func (m *mapStorage) GetObject(context.Context, string) (io.ReadCloser, string, int64, error) {
	return nil, "", 0, nil
}

func (m *mapStorage) DeleteObject(context.Context, string) error { return nil }

func (m *mapStorage) GetSignedURL(context.Context, string, time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{}, nil
}

type botFixture struct {
	api   *fakeAPI
	store *sessions.MemStore
	queue *queue.Queue
	mr    *miniredis.Miniredis
	keys  rkeys.Keys
	bot   *Bot
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	keys := rkeys.New("tvb")
	f := &botFixture{
		api:   &fakeAPI{},
		store: sessions.NewMemStore(),
		queue: queue.New(client, keys, "render", queue.DefaultOptions()),
		mr:    mr,
		keys:  keys,
	}
	f.bot = New(Deps{
		API:      f.api,
		Store:    f.store,
		Progress: progress.New(client, keys),
		Queue:    f.queue,
		Fetcher:  fakeFetcher{},
		Storage:  &mapStorage{},
	})
	return f
}

func textMsg(text string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			From: &telegram.User{ID: 7},
			Chat: telegram.Chat{ID: 42},
			Text: text,
		},
	}
}

func videoMsg() telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			From:  &telegram.User{ID: 7},
			Chat:  telegram.Chat{ID: 42},
			Video: &telegram.Video{FileID: "abc123"},
		},
	}
}

func callback(data string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb1",
			From: &telegram.User{ID: 7},
			Data: data,
			Message: &telegram.Message{
				Chat: telegram.Chat{ID: 42},
			},
		},
	}
}

func (f *botFixture) active(t *testing.T) *sessions.Session {
	t.Helper()
	sess, err := f.store.GetActive(context.Background(), "7")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if sess == nil {
		t.Fatal("no active session")
	}
	return sess
}

func TestFullConversationEndsQueued(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	f.bot.HandleUpdate(ctx, videoMsg())

	sess := f.active(t)
	if sess.State != sessions.StateWaitTextOrSettings {
		t.Fatalf("state after video = %s, want %s", sess.State, sessions.StateWaitTextOrSettings)
	}
	if sess.SourceKey == "" {
		t.Fatal("source key not recorded")
	}
	if !strings.HasSuffix(sess.SourceKey, ".mp4") {
		t.Fatalf("source key %q missing extension from path hint", sess.SourceKey)
	}

	f.bot.HandleUpdate(ctx, textMsg("/comment"))
	f.bot.HandleUpdate(ctx, textMsg("hello world"))
	f.bot.HandleUpdate(ctx, textMsg("/mute"))

	sess = f.active(t)
	if sess.OverlayComment != "hello world" || !sess.OverlayEnabled {
		t.Fatalf("overlay = %q/%v", sess.OverlayComment, sess.OverlayEnabled)
	}
	if sess.AudioPolicy != sessions.AudioMute {
		t.Fatalf("audio policy = %s, want MUTE", sess.AudioPolicy)
	}
	if sess.AwaitingOverlayText {
		t.Fatal("awaiting flag not cleared after comment text")
	}

	f.bot.HandleUpdate(ctx, callback("render:approve"))

	sess = f.active(t)
	if sess.State != sessions.StateRenderQueued {
		t.Fatalf("state after approve = %s, want %s", sess.State, sessions.StateRenderQueued)
	}
	if items, _ := f.mr.List(f.keys.QueueWait("render")); len(items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(items))
	}
}

func TestDoubleApproveEnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	f.bot.HandleUpdate(ctx, videoMsg())
	f.bot.HandleUpdate(ctx, callback("render:approve"))
	f.bot.HandleUpdate(ctx, callback("render:approve"))

	if items, _ := f.mr.List(f.keys.QueueWait("render")); len(items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(items))
	}
	if got := f.api.lastText(); !strings.Contains(got, "Already queued") {
		t.Fatalf("second approve reply = %q", got)
	}
}

func TestApproveWithoutVideo(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	f.bot.HandleUpdate(ctx, callback("render:approve"))

	sess := f.active(t)
	if sess.State != sessions.StateWaitVideo {
		t.Fatalf("state = %s, want unchanged %s", sess.State, sessions.StateWaitVideo)
	}
	if items, _ := f.mr.List(f.keys.QueueWait("render")); len(items) != 0 {
		t.Fatalf("queue length = %d, want 0", len(items))
	}
	if got := f.api.lastText(); !strings.Contains(got, "No video uploaded") {
		t.Fatalf("reply = %q", got)
	}
}

func TestVideoWhileRenderingIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	sess := f.active(t)
	if err := f.store.SetState(ctx, sess.ID, sessions.StateRendering); err != nil {
		t.Fatalf("set state: %v", err)
	}

	f.bot.HandleUpdate(ctx, videoMsg())

	got := f.active(t)
	if got.SourceKey != "" {
		t.Fatalf("source key = %q, want empty", got.SourceKey)
	}
	if reply := f.api.lastText(); !strings.Contains(reply, "Rendering in progress") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestCancelWhileBusyRefused(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	first := f.active(t)
	if err := f.store.SetState(ctx, first.ID, sessions.StateRenderQueued); err != nil {
		t.Fatalf("set state: %v", err)
	}

	f.bot.HandleUpdate(ctx, textMsg("/cancel"))

	got := f.active(t)
	if got.ID != first.ID {
		t.Fatal("busy session was replaced by cancel")
	}

	// Terminal sessions cancel into a fresh one.
	if err := f.store.SetState(ctx, first.ID, sessions.StateRendering); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := f.store.SetState(ctx, first.ID, sessions.StateRenderDone); err != nil {
		t.Fatalf("set state: %v", err)
	}
	f.bot.HandleUpdate(ctx, textMsg("/cancel"))

	got = f.active(t)
	if got.ID == first.ID || got.State != sessions.StateWaitVideo {
		t.Fatalf("cancel did not start fresh session: id=%s state=%s", got.ID, got.State)
	}
	if f.store.ActiveCount("7") != 1 {
		t.Fatalf("active sessions = %d, want 1", f.store.ActiveCount("7"))
	}
}

func TestNewWhileBusyRefused(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	first := f.active(t)
	if err := f.store.SetState(ctx, first.ID, sessions.StateRendering); err != nil {
		t.Fatalf("set state: %v", err)
	}

	f.bot.HandleUpdate(ctx, textMsg("/new"))

	got := f.active(t)
	if got.ID != first.ID {
		t.Fatal("busy session was replaced by /new")
	}
	if got.State != sessions.StateRendering {
		t.Fatalf("state = %s, want untouched %s", got.State, sessions.StateRendering)
	}
	if reply := f.api.lastText(); !strings.Contains(reply, "Rendering in progress") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestApproveRollsBackStateWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	f.bot.HandleUpdate(ctx, videoMsg())

	// Kill Redis so the enqueue fails after the state transitions.
	f.mr.Close()
	f.bot.HandleUpdate(ctx, callback("render:approve"))

	sess := f.active(t)
	if sess.State != sessions.StateWaitTextOrSettings {
		t.Fatalf("state = %s, want rolled back to %s", sess.State, sessions.StateWaitTextOrSettings)
	}
	if got := f.api.lastText(); strings.Contains(got, "Approved") {
		t.Fatalf("failed approve must not confirm: %q", got)
	}
}

func TestCommentTooLongRejected(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	f.bot.HandleUpdate(ctx, videoMsg())
	f.bot.HandleUpdate(ctx, textMsg("/comment"))
	f.bot.HandleUpdate(ctx, textMsg(strings.Repeat("x", sessions.MaxOverlayComment+1)))

	sess := f.active(t)
	if sess.OverlayComment != "" {
		t.Fatalf("overlay comment = %q, want empty", sess.OverlayComment)
	}
	if got := f.api.lastText(); !strings.Contains(got, "too long") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStatusFallsBackToDurableRow(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.HandleUpdate(ctx, textMsg("/new"))
	sess := f.active(t)
	if err := f.store.SetProgress(ctx, sess.ID, 55); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if err := f.store.SetState(ctx, sess.ID, sessions.StateRendering); err != nil {
		t.Fatalf("set state: %v", err)
	}

	// Cache is empty, so /status reads the durable row.
	f.bot.HandleUpdate(ctx, textMsg("/status"))

	got := f.api.lastText()
	if !strings.Contains(got, string(sessions.StateRendering)) {
		t.Fatalf("status missing state: %q", got)
	}
	if !strings.Contains(got, "55%") {
		t.Fatalf("status missing durable progress: %q", got)
	}
}
