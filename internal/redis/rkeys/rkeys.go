// Package rkeys defines the canonical Redis key layout shared by the lock,
// progress cache and render queue.
package rkeys

import "fmt"

// Keys builds namespaced Redis keys under a common prefix.
type Keys struct {
	prefix string
}

func New(prefix string) Keys {
	if prefix == "" {
		prefix = "tvb"
	}
	return Keys{prefix: prefix}
}

// UserRenderLock serializes renders per owner.
func (k Keys) UserRenderLock(ownerID string) string {
	return fmt.Sprintf("%s:lock:user:%s:active_render", k.prefix, ownerID)
}

// GlobalRenderLock serializes renders across all owners.
func (k Keys) GlobalRenderLock() string {
	return fmt.Sprintf("%s:lock:global:active_render", k.prefix)
}

// Status/progress entries are read by /status and the HTTP status API.
func (k Keys) SessionStatus(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:status", k.prefix, sessionID)
}

func (k Keys) SessionProgress(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:progress", k.prefix, sessionID)
}

func (k Keys) SessionLastError(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:last_error", k.prefix, sessionID)
}

// Queue keys. Job hashes live under Job(id); wait is a list, delayed a
// sorted set scored by readiness time, completed/failed sorted sets scored
// by finish time.
func (k Keys) QueueJob(queue, jobID string) string {
	return fmt.Sprintf("%s:queue:%s:job:%s", k.prefix, queue, jobID)
}

func (k Keys) QueueWait(queue string) string {
	return fmt.Sprintf("%s:queue:%s:wait", k.prefix, queue)
}

func (k Keys) QueueDelayed(queue string) string {
	return fmt.Sprintf("%s:queue:%s:delayed", k.prefix, queue)
}

// QueueActive tracks in-flight jobs as a sorted set scored by their stall
// deadline, so crashed attempts can be requeued.
func (k Keys) QueueActive(queue string) string {
	return fmt.Sprintf("%s:queue:%s:active", k.prefix, queue)
}

// QueueJobPrefix is the job-hash prefix used by Lua scripts that derive
// hash keys from member ids.
func (k Keys) QueueJobPrefix(queue string) string {
	return fmt.Sprintf("%s:queue:%s:job:", k.prefix, queue)
}

func (k Keys) QueueCompleted(queue string) string {
	return fmt.Sprintf("%s:queue:%s:completed", k.prefix, queue)
}

func (k Keys) QueueFailed(queue string) string {
	return fmt.Sprintf("%s:queue:%s:failed", k.prefix, queue)
}
