// Package bot is the producer side of the render service: it drives the
// chat conversation, records session input, and enqueues render jobs on
// approval. It enforces the pre-RENDER_QUEUED part of the session state
// machine; everything from RENDERING on belongs to the worker.
package bot

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tvb/internal/pkg/errors"
	"tvb/internal/pkg/logger"
	"tvb/internal/ports"
	"tvb/internal/queue"
	"tvb/internal/redis/progress"
	"tvb/internal/sessions"
	"tvb/internal/telegram"
)

// API is the slice of the Telegram client the bot needs. Narrow so tests
// can fake it.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	AnswerCallbackQuery(ctx context.Context, callbackID string) error
	SendText(ctx context.Context, target, text string) error
	SendTextWithKeyboard(ctx context.Context, target, text string, rows [][]telegram.Button) error
}

type Deps struct {
	API         API
	Store       sessions.Store
	Progress    *progress.Cache
	Queue       *queue.Queue
	Fetcher     ports.MediaFetcher
	Storage     ports.StorageProvider
	Log         *logger.Logger
	PollTimeout time.Duration
}

type Bot struct {
	api         API
	store       sessions.Store
	progress    *progress.Cache
	queue       *queue.Queue
	fetcher     ports.MediaFetcher
	storage     ports.StorageProvider
	log         *logger.Logger
	pollTimeout time.Duration
}

func New(d Deps) *Bot {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.PollTimeout <= 0 {
		d.PollTimeout = 30 * time.Second
	}
	return &Bot{
		api:         d.API,
		store:       d.Store,
		progress:    d.Progress,
		queue:       d.Queue,
		fetcher:     d.Fetcher,
		storage:     d.Storage,
		log:         log.WithComponent("bot"),
		pollTimeout: d.PollTimeout,
	}
}

// Run long-polls for updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			b.log.Info("bot context canceled, stopping")
			return ctx.Err()
		default:
		}

		updates, err := b.api.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("getUpdates failed, retrying", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate dispatches one update. Errors are reported to the user and
// logged, never returned: the poll loop must keep going.
func (b *Bot) HandleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.Video != nil:
		b.handleVideo(ctx, u.Message)
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		b.handleCommand(ctx, u.Message)
	case u.Message != nil && u.Message.Text != "":
		b.handleText(ctx, u.Message)
	}
}

func ids(from *telegram.User, chat telegram.Chat) (ownerID, chatID string) {
	if from != nil {
		ownerID = strconv.FormatInt(from.ID, 10)
	}
	chatID = strconv.FormatInt(chat.ID, 10)
	return ownerID, chatID
}

func (b *Bot) handleCommand(ctx context.Context, msg *telegram.Message) {
	ownerID, chatID := ids(msg.From, msg.Chat)
	cmd := strings.Fields(msg.Text)[0]

	switch cmd {
	case "/start":
		b.reply(ctx, chatID, "Hi! Use /new to start a new render session.")

	case "/new":
		b.startNew(ctx, ownerID, chatID)

	case "/cancel":
		b.cancel(ctx, ownerID, chatID)

	case "/status":
		b.status(ctx, ownerID, chatID)

	case "/comment":
		b.beginComment(ctx, ownerID, chatID)

	case "/mute":
		b.setAudio(ctx, ownerID, chatID, sessions.AudioMute)

	case "/sound":
		b.setAudio(ctx, ownerID, chatID, sessions.AudioKeep)

	default:
		b.reply(ctx, chatID, "Unknown command. Try /new, /status, /comment, /mute or /sound.")
	}
}

func (b *Bot) activeSession(ctx context.Context, ownerID, chatID string) *sessions.Session {
	sess, err := b.store.GetActive(ctx, ownerID)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return nil
	}
	if sess == nil {
		b.reply(ctx, chatID, "No active session. Use /new")
		return nil
	}
	return sess
}

func (b *Bot) handleVideo(ctx context.Context, msg *telegram.Message) {
	ownerID, chatID := ids(msg.From, msg.Chat)
	sess := b.activeSession(ctx, ownerID, chatID)
	if sess == nil {
		return
	}

	// Not an error: the user just has to wait for the current render.
	if sess.State.Busy() {
		b.reply(ctx, chatID, "Rendering in progress. Send the next video after it finishes.")
		return
	}
	if sess.State.Terminal() {
		b.reply(ctx, chatID, "This session is finished. Use /new to start another one.")
		return
	}

	key, err := b.storeVideo(ctx, sess.ID, msg.Video.FileID)
	if err != nil {
		b.log.WithSessionID(sess.ID).Error("video upload failed", "error", err.Error())
		b.replyError(ctx, chatID, err)
		return
	}
	if err := b.store.SetSourceKey(ctx, sess.ID, key); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}

	if sess.State == sessions.StateWaitVideo {
		if err := b.transition(ctx, sess, sessions.StateWaitTextOrSettings); err != nil {
			b.replyError(ctx, chatID, err)
			return
		}
	}

	b.log.WithSessionID(sess.ID).Info("source video recorded", "source_key", key)
	_ = b.api.SendTextWithKeyboard(ctx, chatID,
		"Video received. Add /comment text, pick /mute or /sound, then approve.",
		[][]telegram.Button{
			{{Text: "Approve & Render", CallbackData: "render:approve"}},
			{{Text: "Cancel", CallbackData: "render:cancel"}},
		})
}

// storeVideo streams the chat file into object storage under a fresh key.
// The provider may canonicalize the key; the returned value is what gets
// persisted on the session.
func (b *Bot) storeVideo(ctx context.Context, sessionID, fileID string) (string, error) {
	rc, pathHint, err := b.fetcher.ResolveAndStream(ctx, fileID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	ext := path.Ext(pathHint)
	if ext == "" {
		ext = ".mp4"
	}
	key := fmt.Sprintf("inputs/%s/%s%s", sessionID, uuid.NewString(), ext)

	out, err := b.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      rc,
	})
	if err != nil {
		return "", errors.Wrap(err, "bot.store_video", "upload failed")
	}
	return out.ObjectKey, nil
}

func (b *Bot) handleText(ctx context.Context, msg *telegram.Message) {
	ownerID, chatID := ids(msg.From, msg.Chat)
	sess := b.activeSession(ctx, ownerID, chatID)
	if sess == nil {
		return
	}
	if !sess.AwaitingOverlayText {
		return
	}

	comment := strings.TrimSpace(msg.Text)
	if len(comment) > sessions.MaxOverlayComment {
		b.reply(ctx, chatID, fmt.Sprintf("Comment too long, max %d characters.", sessions.MaxOverlayComment))
		return
	}
	if err := b.store.SetOverlayComment(ctx, sess.ID, comment); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	if err := b.store.SetAwaitingOverlayText(ctx, sess.ID, false); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, "Comment saved. Approve when ready.")
}

func (b *Bot) beginComment(ctx context.Context, ownerID, chatID string) {
	sess := b.activeSession(ctx, ownerID, chatID)
	if sess == nil {
		return
	}
	if sess.State.Busy() || sess.State.Terminal() {
		b.reply(ctx, chatID, "This session can no longer be edited. Use /new to start over.")
		return
	}
	if err := b.store.SetAwaitingOverlayText(ctx, sess.ID, true); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, "Send the overlay text as your next message.")
}

func (b *Bot) setAudio(ctx context.Context, ownerID, chatID string, policy sessions.AudioPolicy) {
	sess := b.activeSession(ctx, ownerID, chatID)
	if sess == nil {
		return
	}
	if sess.State.Busy() || sess.State.Terminal() {
		b.reply(ctx, chatID, "This session can no longer be edited. Use /new to start over.")
		return
	}
	if err := b.store.SetAudioPolicy(ctx, sess.ID, policy); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	if policy == sessions.AudioMute {
		b.reply(ctx, chatID, "Original audio will be muted.")
	} else {
		b.reply(ctx, chatID, "Original audio will be kept.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	_ = b.api.AnswerCallbackQuery(ctx, cb.ID)
	if cb.Message == nil {
		return
	}
	ownerID, chatID := ids(cb.From, cb.Message.Chat)

	switch cb.Data {
	case "render:approve":
		b.approve(ctx, ownerID, chatID)
	case "render:cancel":
		b.cancel(ctx, ownerID, chatID)
	}
}

// Approve transitions the session to RENDER_QUEUED and enqueues the render
// job keyed by the session id. Calling it twice returns the same job, so
// the queue never holds two entries for one session.
func (b *Bot) approve(ctx context.Context, ownerID, chatID string) {
	sess := b.activeSession(ctx, ownerID, chatID)
	if sess == nil {
		return
	}

	if sess.State.Busy() {
		b.reply(ctx, chatID, "Already queued. Use /status to follow progress.")
		return
	}
	if sess.SourceKey == "" {
		// Approval with no input is an error, not a transition.
		b.reply(ctx, chatID, "No video uploaded yet. Send a video first.")
		return
	}
	// Approval is the ready-check and the queue handoff in one step.
	prior := sess.State
	if sess.State == sessions.StateWaitTextOrSettings {
		if err := b.transition(ctx, sess, sessions.StateReadyToRender); err != nil {
			b.replyError(ctx, chatID, err)
			return
		}
	}
	if err := b.transition(ctx, sess, sessions.StateRenderQueued); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}

	job, created, err := b.queue.Enqueue(ctx, sess.ID, queue.Payload{
		SessionID: sess.ID,
		OwnerID:   ownerID,
		ChatID:    chatID,
	})
	if err != nil {
		// No job landed, so RENDER_QUEUED would wedge the session. Put
		// the state back and let the user approve again.
		if rerr := b.store.SetState(ctx, sess.ID, prior); rerr != nil {
			b.log.WithSessionID(sess.ID).Error("state rollback failed", "error", rerr.Error())
		} else {
			sess.State = prior
		}
		b.replyError(ctx, chatID, err)
		return
	}

	_ = b.progress.SetStatus(ctx, sess.ID, progress.Status{
		State:   sessions.StateRenderQueued,
		Message: "Queued for rendering",
	})
	_ = b.progress.SetProgress(ctx, sess.ID, 0)

	b.log.WithSessionID(sess.ID).Info("render approved",
		"job_id", job.ID,
		"created", created,
	)
	b.reply(ctx, chatID, "Approved. I'll send the result here when it's done. /status for progress.")
}

// startNew refuses while a render is queued or running: deactivating the
// session under a live lease would let a second render race the first.
func (b *Bot) startNew(ctx context.Context, ownerID, chatID string) {
	sess, err := b.store.GetActive(ctx, ownerID)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	if sess != nil && sess.State.Busy() {
		b.reply(ctx, chatID, "Rendering in progress, cannot start a new session now. Wait for it to finish.")
		return
	}
	if _, err := b.store.CreateNew(ctx, ownerID, chatID); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, "New session created. Send me a video.")
}

func (b *Bot) cancel(ctx context.Context, ownerID, chatID string) {
	sess, err := b.store.GetActive(ctx, ownerID)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	if sess != nil && sess.State.Busy() {
		b.reply(ctx, chatID, "Rendering in progress, cannot cancel now. Wait for it to finish.")
		return
	}
	if _, err := b.store.CreateNew(ctx, ownerID, chatID); err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, "Cancelled. New session started, send a video.")
}

func (b *Bot) status(ctx context.Context, ownerID, chatID string) {
	sess := b.activeSession(ctx, ownerID, chatID)
	if sess == nil {
		return
	}

	// Cache first, durable row as fallback.
	state := sess.State
	message := ""
	if st, ok := b.progress.GetStatus(ctx, sess.ID); ok {
		state = st.State
		message = st.Message
	}
	percent, havePercent := b.progress.GetProgress(ctx, sess.ID)
	if !havePercent {
		percent = sess.Progress
	}
	lastErr, haveErr := b.progress.GetLastError(ctx, sess.ID)
	if !haveErr {
		lastErr = sess.LastError
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s\n", state)
	fmt.Fprintf(&sb, "Progress: %d%%\n", percent)
	if sess.SourceKey != "" {
		sb.WriteString("Video: uploaded\n")
	} else {
		sb.WriteString("Video: not uploaded\n")
	}
	if message != "" {
		fmt.Fprintf(&sb, "Info: %s\n", message)
	}
	if lastErr != "" && state == sessions.StateRenderFailed {
		fmt.Fprintf(&sb, "Last error: %s\n", lastErr)
	}
	b.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) transition(ctx context.Context, sess *sessions.Session, to sessions.State) error {
	if err := sessions.Transition(sess.State, to); err != nil {
		return err
	}
	if err := b.store.SetState(ctx, sess.ID, to); err != nil {
		return err
	}
	sess.State = to
	return nil
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	if err := b.api.SendText(ctx, chatID, text); err != nil {
		b.log.Warn("reply failed", "error", err.Error())
	}
}

func (b *Bot) replyError(ctx context.Context, chatID string, err error) {
	b.log.Error("update handling failed", "error", err.Error())
	if errors.IsValidation(err) {
		b.reply(ctx, chatID, err.Error())
		return
	}
	b.reply(ctx, chatID, "Something went wrong, please try again.")
}
