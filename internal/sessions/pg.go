package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tvb/internal/pkg/errors"
)

// 23505 = unique_violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

const schema = `
CREATE TABLE IF NOT EXISTS render_sessions (
    id                    TEXT PRIMARY KEY,
    owner_id              TEXT NOT NULL,
    chat_id               TEXT NOT NULL,
    state                 TEXT NOT NULL,
    is_active             BOOLEAN NOT NULL DEFAULT TRUE,
    source_key            TEXT NOT NULL DEFAULT '',
    output_key            TEXT NOT NULL DEFAULT '',
    overlay_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
    overlay_comment       TEXT NOT NULL DEFAULT '',
    audio_policy          TEXT NOT NULL DEFAULT 'KEEP',
    awaiting_overlay_text BOOLEAN NOT NULL DEFAULT FALSE,
    progress              INT NOT NULL DEFAULT 0,
    last_error            TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_render_sessions_owner_active
    ON render_sessions (owner_id) WHERE is_active;
`

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the sessions table when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const sessionColumns = `id, owner_id, chat_id, state, is_active, source_key, output_key,
	overlay_enabled, overlay_comment, audio_policy, awaiting_overlay_text,
	progress, last_error, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.ChatID, &sess.State, &sess.IsActive,
		&sess.SourceKey, &sess.OutputKey, &sess.OverlayEnabled, &sess.OverlayComment,
		&sess.AudioPolicy, &sess.AwaitingOverlayText, &sess.Progress, &sess.LastError,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PGStore) GetActive(ctx context.Context, ownerID string) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM render_sessions
		 WHERE owner_id=$1 AND is_active
		 ORDER BY created_at DESC
		 LIMIT 1`,
		ownerID,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sessions.get_active", "query failed")
	}
	return sess, nil
}

func (s *PGStore) CreateNew(ctx context.Context, ownerID, chatID string) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "sessions.create", "begin failed")
	}
	defer tx.Rollback(ctx)

	// Old active sessions flip inactive before the new row exists, so the
	// single-active-per-owner invariant holds at every commit point.
	if _, err := tx.Exec(ctx,
		`UPDATE render_sessions SET is_active=FALSE, updated_at=NOW()
		 WHERE owner_id=$1 AND is_active`,
		ownerID,
	); err != nil {
		return nil, errors.Wrap(err, "sessions.create", "deactivate failed")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO render_sessions (id, owner_id, chat_id, state, is_active, audio_policy, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,TRUE,$5,$6,$6)`,
		id, ownerID, chatID, string(StateWaitVideo), string(AudioKeep), now,
	); err != nil {
		// Unique partial index on (owner_id) WHERE is_active: two
		// concurrent /new calls race and one loses.
		if isUniqueViolation(err) {
			return nil, errors.Conflict("another session was just created, retry")
		}
		return nil, errors.Wrap(err, "sessions.create", "insert failed")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "sessions.create", "commit failed")
	}

	return &Session{
		ID:          id,
		OwnerID:     ownerID,
		ChatID:      chatID,
		State:       StateWaitVideo,
		IsActive:    true,
		AudioPolicy: AudioKeep,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM render_sessions WHERE id=$1`, id,
	))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("session", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sessions.get", "query failed")
	}
	return sess, nil
}

func (s *PGStore) setField(ctx context.Context, op, id, column string, value any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE render_sessions SET `+column+`=$2, updated_at=NOW() WHERE id=$1`,
		id, value,
	)
	if err != nil {
		return errors.Wrap(err, op, "update failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}

func (s *PGStore) SetState(ctx context.Context, id string, state State) error {
	return s.setField(ctx, "sessions.set_state", id, "state", string(state))
}

func (s *PGStore) SetSourceKey(ctx context.Context, id, key string) error {
	return s.setField(ctx, "sessions.set_source_key", id, "source_key", key)
}

func (s *PGStore) SetOutputKey(ctx context.Context, id, key string) error {
	return s.setField(ctx, "sessions.set_output_key", id, "output_key", key)
}

// SetOverlayComment stores the comment and flips overlay_enabled to match.
// An empty comment disables the overlay.
func (s *PGStore) SetOverlayComment(ctx context.Context, id, comment string) error {
	if len(comment) > MaxOverlayComment {
		return errors.ValidationField("overlay_comment", "comment too long")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE render_sessions
		 SET overlay_comment=$2, overlay_enabled=($2 <> ''), updated_at=NOW()
		 WHERE id=$1`,
		id, comment,
	)
	if err != nil {
		return errors.Wrap(err, "sessions.set_overlay", "update failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}

func (s *PGStore) SetAudioPolicy(ctx context.Context, id string, policy AudioPolicy) error {
	if policy != AudioKeep && policy != AudioMute {
		return errors.ValidationField("audio_policy", "must be KEEP or MUTE")
	}
	return s.setField(ctx, "sessions.set_audio_policy", id, "audio_policy", string(policy))
}

func (s *PGStore) SetAwaitingOverlayText(ctx context.Context, id string, awaiting bool) error {
	return s.setField(ctx, "sessions.set_awaiting", id, "awaiting_overlay_text", awaiting)
}

func (s *PGStore) SetProgress(ctx context.Context, id string, progress int) error {
	return s.setField(ctx, "sessions.set_progress", id, "progress", progress)
}

func (s *PGStore) SetLastError(ctx context.Context, id, message string) error {
	if len(message) > 2000 {
		message = message[:2000]
	}
	return s.setField(ctx, "sessions.set_last_error", id, "last_error", message)
}
