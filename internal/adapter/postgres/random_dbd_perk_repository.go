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

type RandomDbdPerkRepo struct {
	pool *pgxpool.Pool
}

var _ domain.RandomDbdPerkRepository = (*RandomDbdPerkRepo)(nil)

func NewRandomDbdPerkRepo(pool *pgxpool.Pool) *RandomDbdPerkRepo {
	return &RandomDbdPerkRepo{pool: pool}
}

var defaultPerkClasses = []domain.PerkClassType{domain.PerkSurvivor, domain.PerkKiller}

func (r *RandomDbdPerkRepo) Create(ctx context.Context, ownerID uuid.UUID, twitchID, overlayKey string) (*domain.RandomDbdPerkConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := insertWidget(ctx, tx, ownerID, twitchID, domain.KindRandomDbdPerk, overlayKey)
	if err != nil {
		return nil, err
	}
	for _, t := range defaultPerkClasses {
		_, err := tx.Exec(ctx, `
			INSERT INTO random_dbd_perk_classes (widget_id, type, maximum_random_size) VALUES ($1, $2, $3)
		`, id, string(t), domain.UnlimitedRandomSize)
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s perk class: %w", t, err)
		}
	}

	c, err := loadRandomDbdPerk(ctx, tx, `w.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read created random perk config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

func (r *RandomDbdPerkRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*domain.RandomDbdPerkConfig, error) {
	c, err := loadRandomDbdPerk(ctx, r.pool, `w.owner_id = $1 AND w.kind = 'random_dbd_perk'`, ownerID)
	if err != nil && !errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, fmt.Errorf("failed to get random perk config by owner: %w", err)
	}
	return c, err
}

func (r *RandomDbdPerkRepo) GetByChannel(ctx context.Context, channelID string) (*domain.RandomDbdPerkConfig, error) {
	c, err := loadRandomDbdPerk(ctx, r.pool, `w.twitch_id = $1 AND w.kind = 'random_dbd_perk'`, channelID)
	if err != nil && !errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, fmt.Errorf("failed to get random perk config by channel: %w", err)
	}
	return c, err
}

// Update applies Enabled when set and rewrites each listed class. Unknown class types are ErrPerkClassNotFound.
func (r *RandomDbdPerkRepo) Update(ctx context.Context, ownerID uuid.UUID, u domain.RandomDbdPerkUpdate) (*domain.RandomDbdPerkConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := updateWidget(ctx, tx, ownerID, domain.KindRandomDbdPerk, u.Enabled)
	if err != nil {
		return nil, err
	}
	for _, class := range u.Classes {
		tag, err := tx.Exec(ctx, `
			UPDATE random_dbd_perk_classes SET
				enabled = $3,
				twitch_reward_id = NULLIF($4, ''),
				maximum_random_size = $5
			WHERE widget_id = $1 AND type = $2
		`, id, string(class.Type), class.Enabled, class.TwitchRewardID, class.MaximumRandomSize)
		if err != nil {
			return nil, fmt.Errorf("failed to update %s perk class: %w", class.Type, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, domain.ErrPerkClassNotFound
		}
	}

	c, err := loadRandomDbdPerk(ctx, tx, `w.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read updated random perk config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

func loadRandomDbdPerk(ctx context.Context, q querier, where string, arg any) (*domain.RandomDbdPerkConfig, error) {
	var c domain.RandomDbdPerkConfig
	err := q.QueryRow(ctx, `SELECT `+widgetColumns+` FROM widgets w WHERE `+where+` ORDER BY w.created_at LIMIT 1`, arg).
		Scan(widgetDest(&c.Widget)...)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := q.Query(ctx, `
		SELECT type, enabled, COALESCE(twitch_reward_id, ''), maximum_random_size
		FROM random_dbd_perk_classes
		WHERE widget_id = $1
		ORDER BY type DESC
	`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query perk classes: %w", err)
	}
	c.Classes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PerkClass, error) {
		var pc domain.PerkClass
		err := row.Scan(&pc.Type, &pc.Enabled, &pc.TwitchRewardID, &pc.MaximumRandomSize)
		return pc, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan perk classes: %w", err)
	}
	return &c, nil
}
