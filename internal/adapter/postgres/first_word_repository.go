package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/trailblazer/internal/domain"
)

const selectFirstWord = `
	SELECT ` + widgetColumns + `, f.reply_message, COALESCE(f.audio_key, '')
	FROM widgets w
	JOIN first_words f ON f.widget_id = w.id
`

type FirstWordRepo struct {
	pool *pgxpool.Pool
}

var _ domain.FirstWordRepository = (*FirstWordRepo)(nil)

func NewFirstWordRepo(pool *pgxpool.Pool) *FirstWordRepo {
	return &FirstWordRepo{pool: pool}
}

func scanFirstWord(row pgx.Row) (*domain.FirstWordConfig, error) {
	var c domain.FirstWordConfig
	if err := row.Scan(widgetDest(&c.Widget, &c.ReplyMessage, &c.AudioKey)...); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *FirstWordRepo) Create(ctx context.Context, ownerID uuid.UUID, twitchID, overlayKey string) (*domain.FirstWordConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := insertWidget(ctx, tx, ownerID, twitchID, domain.KindFirstWord, overlayKey)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO first_words (widget_id) VALUES ($1)`, id); err != nil {
		return nil, fmt.Errorf("failed to insert first word config: %w", err)
	}

	c, err := scanFirstWord(tx.QueryRow(ctx, selectFirstWord+` WHERE w.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read created first word config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

func (r *FirstWordRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*domain.FirstWordConfig, error) {
	c, err := scanFirstWord(r.pool.QueryRow(ctx, selectFirstWord+` WHERE w.owner_id = $1`, ownerID))
	if err != nil && !errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, fmt.Errorf("failed to get first word config by owner: %w", err)
	}
	return c, err
}

func (r *FirstWordRepo) GetByChannel(ctx context.Context, channelID string) (*domain.FirstWordConfig, error) {
	c, err := scanFirstWord(r.pool.QueryRow(ctx, selectFirstWord+` WHERE w.twitch_id = $1 ORDER BY w.created_at LIMIT 1`, channelID))
	if err != nil && !errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, fmt.Errorf("failed to get first word config by channel: %w", err)
	}
	return c, err
}

// Update applies the non-nil fields. An empty AudioKey clears the audio.
func (r *FirstWordRepo) Update(ctx context.Context, ownerID uuid.UUID, u domain.FirstWordUpdate) (*domain.FirstWordConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := updateWidget(ctx, tx, ownerID, domain.KindFirstWord, u.Enabled)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE first_words SET
			reply_message = COALESCE($2, reply_message),
			audio_key = NULLIF(COALESCE($3, audio_key, ''), '')
		WHERE widget_id = $1
	`, id, u.ReplyMessage, u.AudioKey)
	if err != nil {
		return nil, fmt.Errorf("failed to update first word config: %w", err)
	}

	c, err := scanFirstWord(tx.QueryRow(ctx, selectFirstWord+` WHERE w.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read updated first word config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

// ChatterRepo is the durable seen-chatter set behind first word dedup.
type ChatterRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ChatterRepository = (*ChatterRepo)(nil)

func NewChatterRepo(pool *pgxpool.Pool) *ChatterRepo {
	return &ChatterRepo{pool: pool}
}

func (r *ChatterRepo) ListChatters(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT twitch_chatter_id FROM first_word_chatters WHERE twitch_channel_id = $1`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chatters: %w", err)
	}
	chatters, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan chatters: %w", err)
	}
	return chatters, nil
}

func (r *ChatterRepo) HasChatter(ctx context.Context, channelID, chatterID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM first_word_chatters WHERE twitch_channel_id = $1 AND twitch_chatter_id = $2)
	`, channelID, chatterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chatter: %w", err)
	}
	return exists, nil
}

// AddChatter is idempotent.
func (r *ChatterRepo) AddChatter(ctx context.Context, widgetID uuid.UUID, channelID, chatterID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO first_word_chatters (widget_id, twitch_channel_id, twitch_chatter_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (widget_id, twitch_chatter_id) DO NOTHING
	`, widgetID, channelID, chatterID)
	if err != nil {
		return fmt.Errorf("failed to add chatter: %w", err)
	}
	return nil
}

func (r *ChatterRepo) DeleteChatters(ctx context.Context, channelID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM first_word_chatters WHERE twitch_channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("failed to delete chatters: %w", err)
	}
	return nil
}
