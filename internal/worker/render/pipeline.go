// Package render executes one render job end to end under a
// heartbeat-extended lease: acquire → fetch → transform → publish →
// notify → release. The queue owns attempts and backoff; this package
// only ever runs a single attempt.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"tvb/internal/observability"
	"tvb/internal/pkg/errors"
	"tvb/internal/pkg/logger"
	"tvb/internal/ports"
	"tvb/internal/queue"
	"tvb/internal/redis/lock"
	"tvb/internal/redis/progress"
	"tvb/internal/redis/rkeys"
	"tvb/internal/render/ffargs"
	"tvb/internal/sessions"
)

// Transformer runs the external media transform with a prepared argv.
// Non-zero exit is a failure.
type Transformer interface {
	Run(ctx context.Context, args []string) error
}

// Config holds pipeline tuning.
type Config struct {
	// GlobalLock serializes all renders on one resource; otherwise the
	// lease is per owner.
	GlobalLock bool
	// HeartbeatInterval must be strictly shorter than the lease TTL.
	HeartbeatInterval time.Duration
	// RenderTimeout is the wall-clock budget for a single attempt.
	RenderTimeout time.Duration
	// ScratchDir is the local work area root; empty means os.TempDir().
	ScratchDir string
	// FFmpegBinary is the transform executable; empty means "ffmpeg"
	// resolved from PATH.
	FFmpegBinary string

	FontPath       string
	OutputWidth    int
	OutputHeight   int
	PresignExpires time.Duration
}

type Deps struct {
	Store       sessions.Store
	Progress    *progress.Cache
	Lock        *lock.Lease
	Keys        rkeys.Keys
	Storage     ports.StorageProvider
	Sender      ports.ChatSender
	Transformer Transformer
	Log         *logger.Logger
	Cfg         Config
}

// Pipeline processes render jobs one at a time.
type Pipeline struct {
	store       sessions.Store
	progress    *progress.Cache
	lock        *lock.Lease
	keys        rkeys.Keys
	storage     ports.StorageProvider
	sender      ports.ChatSender
	transformer Transformer
	log         *logger.Logger
	cfg         Config

	// Current lease, tracked so shutdown can release it without waiting
	// out the TTL.
	mu      sync.Mutex
	current *heldLease
}

type heldLease struct {
	key   string
	token string
	stop  func()
}

func New(d Deps) *Pipeline {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Cfg.ScratchDir == "" {
		d.Cfg.ScratchDir = filepath.Join(os.TempDir(), "tvb-render")
	}
	if d.Cfg.HeartbeatInterval <= 0 {
		d.Cfg.HeartbeatInterval = 30 * time.Second
	}
	if d.Cfg.RenderTimeout <= 0 {
		d.Cfg.RenderTimeout = 20 * time.Minute
	}
	if d.Transformer == nil {
		d.Transformer = &FFmpeg{Binary: d.Cfg.FFmpegBinary}
	}
	return &Pipeline{
		store:       d.Store,
		progress:    d.Progress,
		lock:        d.Lock,
		keys:        d.Keys,
		storage:     d.Storage,
		sender:      d.Sender,
		transformer: d.Transformer,
		log:         log.WithComponent("pipeline"),
		cfg:         d.Cfg,
	}
}

// Process runs a single attempt for the job. Contention and transient I/O
// failures come back as retryable errors for the queue's backoff; lease
// loss aborts the attempt immediately.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job) error {
	sessionID := job.Payload.SessionID
	log := p.log.WithJobID(job.ID).WithSessionID(sessionID)

	resourceKey := p.keys.GlobalRenderLock()
	if !p.cfg.GlobalLock {
		resourceKey = p.keys.UserRenderLock(job.Payload.OwnerID)
	}

	// The session id is the holder token: a restarted worker processing
	// the same session can still release its own stale lease safely.
	acquired, err := p.lock.Acquire(ctx, resourceKey, sessionID)
	if err != nil {
		return errors.Wrap(err, "pipeline.acquire", "lease acquire failed")
	}
	if !acquired {
		observability.LockContention.Inc()
		_ = p.progress.SetStatus(ctx, sessionID, progress.Status{
			State:   sessions.StateRenderQueued,
			Message: "Waiting: another render is in progress",
		})
		log.Info("lease held elsewhere, attempt will be retried", "resource_key", resourceKey)
		return errors.LockHeld(resourceKey)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopHeartbeat := p.startHeartbeat(runCtx, cancel, resourceKey, sessionID, log)

	p.mu.Lock()
	p.current = &heldLease{key: resourceKey, token: sessionID, stop: stopHeartbeat}
	p.mu.Unlock()

	defer func() {
		stopHeartbeat()
		cancel(nil)
		// Release outlives the (possibly cancelled) job context.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if ok, err := p.lock.Release(releaseCtx, resourceKey, sessionID); err != nil {
			log.Warn("lease release failed", "error", err.Error())
		} else if !ok {
			log.Warn("lease was no longer ours at release", "resource_key", resourceKey)
		}
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
	}()

	attemptCtx, attemptCancel := context.WithTimeout(runCtx, p.cfg.RenderTimeout)
	defer attemptCancel()

	if err := p.run(attemptCtx, job, log); err != nil {
		// Lease loss surfaces as the context cause; report that instead
		// of whichever I/O error it interrupted.
		if cause := context.Cause(runCtx); cause != nil && runCtx.Err() != nil {
			err = cause
		}
		p.recordFailure(sessionID, err, log)
		return err
	}
	return nil
}

// startHeartbeat refreshes the lease on a fixed interval. Losing ownership
// cancels the attempt: continuing to run would risk two workers writing
// the same output. Three consecutive refresh errors (store unreachable)
// count as loss too.
func (p *Pipeline) startHeartbeat(ctx context.Context, cancel context.CancelCauseFunc, resourceKey, token string, log *logger.Logger) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := p.lock.Refresh(ctx, resourceKey, token)
			switch {
			case err != nil:
				failures++
				log.Warn("heartbeat refresh error", "error", err.Error(), "failures", failures)
				if failures >= 3 {
					cancel(errors.WrapWithCode(err, errors.CodeLeaseLost, "pipeline.heartbeat", "lease refresh unreachable"))
					return
				}
			case !ok:
				log.Error("heartbeat lost lease ownership", "resource_key", resourceKey)
				cancel(errors.LeaseLost(resourceKey))
				return
			default:
				failures = 0
			}
		}
	}()
	return stop
}

// run executes steps 3-7 of the pipeline under an already-held lease.
func (p *Pipeline) run(ctx context.Context, job *queue.Job, log *logger.Logger) error {
	sessionID := job.Payload.SessionID

	sess, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.SourceKey == "" {
		return errors.ValidationField("source_key", "no source media recorded for session")
	}

	// Only the lease holder may write RENDERING. A retried attempt finds
	// the state already there.
	if sess.State != sessions.StateRendering {
		if err := sessions.Transition(sess.State, sessions.StateRendering); err != nil {
			return err
		}
		if err := p.store.SetState(ctx, sessionID, sessions.StateRendering); err != nil {
			return err
		}
	}
	_ = p.progress.SetStatus(ctx, sessionID, progress.Status{
		State:   sessions.StateRendering,
		Message: "Rendering started",
	})
	p.setProgress(ctx, sessionID, 5)

	scratch := filepath.Join(p.cfg.ScratchDir, sessionID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return errors.Wrap(err, "pipeline.scratch", "create scratch dir failed")
	}
	defer os.RemoveAll(scratch)

	inPath := filepath.Join(scratch, "input.mp4")
	outPath := filepath.Join(scratch, "out.mp4")

	if err := p.fetchSource(ctx, sess.SourceKey, inPath); err != nil {
		return err
	}
	p.setProgress(ctx, sessionID, 25)

	args := ffargs.Build(ffargs.Spec{
		Width:       p.cfg.OutputWidth,
		Height:      p.cfg.OutputHeight,
		AudioPolicy: sess.AudioPolicy,
		OverlayText: overlayText(sess),
		FontPath:    p.cfg.FontPath,
	}, inPath, outPath)

	log.Debug("starting transform", "overlay", sess.OverlayEnabled, "audio_policy", string(sess.AudioPolicy))
	if err := p.transformer.Run(ctx, args); err != nil {
		return errors.Wrap(err, "pipeline.transform", "transform failed")
	}
	p.setProgress(ctx, sessionID, 75)

	outputKey, err := p.publish(ctx, sessionID, outPath)
	if err != nil {
		return err
	}
	p.setProgress(ctx, sessionID, 90)
	log.Info("output published", "output_key", outputKey)

	// Delivery is best effort: a published render with a failed send is
	// still a success.
	message := p.notify(ctx, job.Payload.ChatID, outPath, outputKey, log)

	if err := p.store.SetState(ctx, sessionID, sessions.StateRenderDone); err != nil {
		return err
	}
	_ = p.progress.SetStatus(ctx, sessionID, progress.Status{
		State:   sessions.StateRenderDone,
		Message: message,
	})
	p.setProgress(ctx, sessionID, 100)
	return nil
}

// setProgress mirrors the percent into both the cache and the durable
// row; neither write may fail the render.
func (p *Pipeline) setProgress(ctx context.Context, sessionID string, percent int) {
	_ = p.progress.SetProgress(ctx, sessionID, float64(percent))
	_ = p.store.SetProgress(ctx, sessionID, percent)
}

func overlayText(sess *sessions.Session) string {
	if !sess.OverlayEnabled {
		return ""
	}
	return sess.OverlayComment
}

func (p *Pipeline) fetchSource(ctx context.Context, sourceKey, inPath string) error {
	rc, _, _, err := p.storage.GetObject(ctx, sourceKey)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "pipeline.fetch", "source download failed")
	}
	defer rc.Close()

	f, err := os.Create(inPath)
	if err != nil {
		return errors.Wrap(err, "pipeline.fetch", "create input file failed")
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "pipeline.fetch", "source copy failed")
	}
	return nil
}

// publish uploads the transformed output under a fresh collision-free key
// and persists the provider's canonical key on the session.
func (p *Pipeline) publish(ctx context.Context, sessionID, outPath string) (string, error) {
	f, err := os.Open(outPath)
	if err != nil {
		return "", errors.Wrap(err, "pipeline.publish", "open output failed")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "pipeline.publish", "stat output failed")
	}

	key := fmt.Sprintf("outputs/%s/%s.mp4", sessionID, uuid.NewString())
	out, err := p.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "pipeline.publish", "output upload failed")
	}

	if err := p.store.SetOutputKey(ctx, sessionID, out.ObjectKey); err != nil {
		return "", err
	}
	return out.ObjectKey, nil
}

// notify returns the completion message that was (or could not be)
// delivered, for the cached status.
func (p *Pipeline) notify(ctx context.Context, chatID, outPath, outputKey string, log *logger.Logger) string {
	if err := p.sender.SendMediaByPath(ctx, chatID, outPath, "Render done"); err == nil {
		return "Done. Sent as video."
	} else {
		log.Warn("direct delivery failed, falling back to link", "error", err.Error())
	}

	signed, err := p.storage.GetSignedURL(ctx, outputKey, p.cfg.PresignExpires)
	if err == nil && signed.URL != "" {
		msg := "Done. Link: " + signed.URL
		if err := p.sender.SendText(ctx, chatID, msg); err != nil {
			log.Warn("link delivery failed", "error", err.Error())
		}
		return msg
	}

	msg := "Done. The result is stored; ask support for a download link."
	if err := p.sender.SendText(ctx, chatID, msg); err != nil {
		log.Warn("fallback delivery failed", "error", err.Error())
	}
	return msg
}

// recordFailure makes the failure observable before the error propagates,
// so /status shows the latest reason even if the process dies right after.
// The durable session state flips to RENDER_FAILED only on retry
// exhaustion (see MarkExhausted).
func (p *Pipeline) recordFailure(sessionID string, cause error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := cause.Error()
	_ = p.progress.SetLastError(ctx, sessionID, msg)
	_ = p.progress.SetStatus(ctx, sessionID, progress.Status{
		State:   sessions.StateRenderFailed,
		Message: "Render failed",
	})
	_ = p.store.SetLastError(ctx, sessionID, msg)
	log.Error("render attempt failed", "error", msg)
}

// MarkExhausted records the terminal failure after the queue gives up.
func (p *Pipeline) MarkExhausted(ctx context.Context, job *queue.Job, cause error) {
	sessionID := job.Payload.SessionID
	msg := "render failed"
	if cause != nil {
		msg = cause.Error()
	}
	_ = p.store.SetState(ctx, sessionID, sessions.StateRenderFailed)
	_ = p.store.SetLastError(ctx, sessionID, msg)
	_ = p.progress.SetStatus(ctx, sessionID, progress.Status{
		State:   sessions.StateRenderFailed,
		Message: "Render failed",
	})
	_ = p.sender.SendText(ctx, job.Payload.ChatID,
		"Render failed. Use /new to start over, or /status for details.")
}

// ReleaseCurrent is the shutdown path: stop the heartbeat and try to free
// the lease so the next worker does not wait out the TTL.
func (p *Pipeline) ReleaseCurrent(ctx context.Context) error {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	if cur == nil {
		return nil
	}
	cur.stop()
	_, err := p.lock.Release(ctx, cur.key, cur.token)
	return err
}
