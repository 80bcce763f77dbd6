// Package sessions owns the durable render-session entity and its state
// machine. A session id doubles as the render job key and as the lease
// holder token, so everything downstream hangs off this identity.
package sessions

import "time"

// State is a render session lifecycle state.
type State string

const (
	StateWaitVideo          State = "WAIT_VIDEO"
	StateWaitTextOrSettings State = "WAIT_TEXT_OR_SETTINGS"
	StateReadyToRender      State = "READY_TO_RENDER"
	StateRenderQueued       State = "RENDER_QUEUED"
	StateRendering          State = "RENDERING"
	StateRenderDone         State = "RENDER_DONE"
	StateRenderFailed       State = "RENDER_FAILED"
)

// AudioPolicy controls what happens to the source audio track.
type AudioPolicy string

const (
	AudioKeep AudioPolicy = "KEEP"
	AudioMute AudioPolicy = "MUTE"
)

// MaxOverlayComment bounds the stored overlay text.
const MaxOverlayComment = 200

// Session is the durable render-session row.
type Session struct {
	ID      string
	OwnerID string
	ChatID  string

	State    State
	IsActive bool

	SourceKey string
	OutputKey string

	OverlayEnabled bool
	OverlayComment string
	AudioPolicy    AudioPolicy

	// AwaitingOverlayText marks the per-session comment-capture mode. It
	// lives on the row so it survives restarts and works across instances.
	AwaitingOverlayText bool

	Progress  int
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether no further automatic transition occurs.
func (s State) Terminal() bool {
	return s == StateRenderDone || s == StateRenderFailed
}

// Busy reports whether the session is queued or actively rendering. A busy
// session rejects new input media and cannot be cancelled.
func (s State) Busy() bool {
	return s == StateRenderQueued || s == StateRendering
}
