package sessions

import "context"

// Store is the durable session contract consumed by the bot, worker and
// status API. Implementations: PGStore (pgx) and MemStore (tests).
type Store interface {
	// GetActive returns the single active session for an owner, or nil.
	GetActive(ctx context.Context, ownerID string) (*Session, error)

	// CreateNew deactivates all prior active sessions for the owner and
	// creates a fresh WAIT_VIDEO session as one consistent operation.
	CreateNew(ctx context.Context, ownerID, chatID string) (*Session, error)

	// Get returns a session by id.
	Get(ctx context.Context, id string) (*Session, error)

	SetState(ctx context.Context, id string, state State) error
	SetSourceKey(ctx context.Context, id, key string) error
	SetOutputKey(ctx context.Context, id, key string) error
	SetOverlayComment(ctx context.Context, id, comment string) error
	SetAudioPolicy(ctx context.Context, id string, policy AudioPolicy) error
	SetAwaitingOverlayText(ctx context.Context, id string, awaiting bool) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetLastError(ctx context.Context, id, message string) error
}
