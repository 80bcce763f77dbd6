package worker

import (
	"context"
	"sync"
	"time"

	"tvb/internal/observability"
	"tvb/internal/pkg/logger"
	"tvb/internal/queue"
	"tvb/internal/worker/render"
)

// Run drains the render queue until ctx is canceled. Each slot blocks on
// the queue, runs the pipeline, and reports the outcome back so the queue
// can schedule a retry or park the job as failed.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	p := render.New(render.Deps{
		Store:    d.Store,
		Progress: d.Progress,
		Lock:     d.Lock,
		Keys:     d.Keys,
		Storage:  d.Storage,
		Sender:   d.Sender,
		Log:      log,
		Cfg:      d.Render,
	})

	concurrency := d.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	go reportDepth(ctx, d.Queue)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			runSlot(ctx, d.Queue, p, log.WithFields(map[string]any{"slot": slot}))
		}(i)
	}
	wg.Wait()

	// Free the lease eagerly so a replacement worker does not wait out
	// the TTL.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.ReleaseCurrent(releaseCtx); err != nil {
		log.Warn("lease release on shutdown failed", "error", err.Error())
	}

	log.Info("worker stopped")
	return ctx.Err()
}

func runSlot(ctx context.Context, q *queue.Queue, p *render.Pipeline, log *logger.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.Next(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue next error, retrying", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		jobCtx := logger.ContextWithJobID(ctx, job.ID)
		jobLog := log.WithJobID(job.ID).WithSessionID(job.Payload.SessionID)

		jobLog.Info("processing job", "attempt", job.Attempts)
		observability.JobsStarted.Inc()
		start := time.Now()

		err = p.Process(jobCtx, job)
		if err == nil {
			observability.JobsCompleted.Inc()
			observability.RenderDuration.Observe(time.Since(start).Seconds())
			if cerr := q.Complete(jobCtx, job); cerr != nil {
				jobLog.Warn("complete bookkeeping failed", "error", cerr.Error())
			}
			jobLog.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
			continue
		}

		jobLog.Error("job attempt failed",
			"error", err.Error(),
			"attempt", job.Attempts,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		// Fail decides between backoff and terminal based on the error
		// code and the attempt budget.
		failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		terminal, ferr := q.Fail(failCtx, job, err)
		cancel()
		if ferr != nil {
			jobLog.Error("failure bookkeeping failed", "error", ferr.Error())
			continue
		}
		if terminal {
			observability.JobsFailed.Inc()
			markCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.MarkExhausted(markCtx, job, err)
			cancel()
			jobLog.Error("job failed permanently", "attempts", job.Attempts)
		} else {
			observability.JobsRetried.Inc()
		}
	}
}

// reportDepth refreshes the queue depth gauges on a coarse interval.
func reportDepth(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if waiting, delayed, err := q.Depth(ctx); err == nil {
				observability.QueueWaiting.Set(float64(waiting))
				observability.QueueDelayed.Set(float64(delayed))
			}
		}
	}
}
