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

const selectClipShoutout = `
	SELECT ` + widgetColumns + `, c.reply_message, c.twitch_bot_id, c.enabled_clip, c.enabled_highlight_only
	FROM widgets w
	JOIN clip_shoutouts c ON c.widget_id = w.id
`

type ClipShoutoutRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ClipShoutoutRepository = (*ClipShoutoutRepo)(nil)

func NewClipShoutoutRepo(pool *pgxpool.Pool) *ClipShoutoutRepo {
	return &ClipShoutoutRepo{pool: pool}
}

func scanClipShoutout(row pgx.Row) (*domain.ClipShoutoutConfig, error) {
	var c domain.ClipShoutoutConfig
	err := row.Scan(widgetDest(&c.Widget, &c.ReplyMessage, &c.TwitchBotID, &c.EnabledClip, &c.EnabledHighlightOnly)...)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *ClipShoutoutRepo) Create(ctx context.Context, ownerID uuid.UUID, twitchID, botID, overlayKey string) (*domain.ClipShoutoutConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := insertWidget(ctx, tx, ownerID, twitchID, domain.KindClipShoutout, overlayKey)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO clip_shoutouts (widget_id, twitch_bot_id) VALUES ($1, $2)`, id, botID); err != nil {
		return nil, fmt.Errorf("failed to insert clip shoutout config: %w", err)
	}

	c, err := scanClipShoutout(tx.QueryRow(ctx, selectClipShoutout+` WHERE w.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read created clip shoutout config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

func (r *ClipShoutoutRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*domain.ClipShoutoutConfig, error) {
	c, err := scanClipShoutout(r.pool.QueryRow(ctx, selectClipShoutout+` WHERE w.owner_id = $1`, ownerID))
	if err != nil && !errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, fmt.Errorf("failed to get clip shoutout config by owner: %w", err)
	}
	return c, err
}

func (r *ClipShoutoutRepo) GetByChannel(ctx context.Context, channelID string) (*domain.ClipShoutoutConfig, error) {
	c, err := scanClipShoutout(r.pool.QueryRow(ctx, selectClipShoutout+` WHERE w.twitch_id = $1 ORDER BY w.created_at LIMIT 1`, channelID))
	if err != nil && !errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, fmt.Errorf("failed to get clip shoutout config by channel: %w", err)
	}
	return c, err
}

func (r *ClipShoutoutRepo) Update(ctx context.Context, ownerID uuid.UUID, u domain.ClipShoutoutUpdate) (*domain.ClipShoutoutConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := updateWidget(ctx, tx, ownerID, domain.KindClipShoutout, u.Enabled)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE clip_shoutouts SET
			reply_message = COALESCE($2, reply_message),
			enabled_clip = COALESCE($3, enabled_clip),
			enabled_highlight_only = COALESCE($4, enabled_highlight_only)
		WHERE widget_id = $1
	`, id, u.ReplyMessage, u.EnabledClip, u.EnabledHighlightOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to update clip shoutout config: %w", err)
	}

	c, err := scanClipShoutout(tx.QueryRow(ctx, selectClipShoutout+` WHERE w.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read updated clip shoutout config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}
