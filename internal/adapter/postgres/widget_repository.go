package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/trailblazer/internal/domain"
)

// widgetColumns must match the order in widgetDest. Queries alias widgets as w.
const widgetColumns = `w.id, w.owner_id, w.twitch_id, w.kind, w.enabled, w.overlay_key, w.created_at, w.updated_at`

func widgetDest(w *domain.Widget, extra ...any) []any {
	return append([]any{&w.ID, &w.OwnerID, &w.TwitchID, &w.Kind, &w.Enabled, &w.OverlayKey, &w.CreatedAt, &w.UpdatedAt}, extra...)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type WidgetRepo struct {
	pool *pgxpool.Pool
}

var _ domain.WidgetRepository = (*WidgetRepo)(nil)

func NewWidgetRepo(pool *pgxpool.Pool) *WidgetRepo {
	return &WidgetRepo{pool: pool}
}

func (r *WidgetRepo) RotateOverlayKey(ctx context.Context, ownerID uuid.UUID, kind domain.WidgetKind, key string) (*domain.Widget, error) {
	var w domain.Widget
	err := r.pool.QueryRow(ctx, `
		UPDATE widgets w SET overlay_key = $3, updated_at = NOW()
		WHERE w.owner_id = $1 AND w.kind = $2
		RETURNING `+widgetColumns,
		ownerID, string(kind), key).Scan(widgetDest(&w)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWidgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate overlay key: %w", err)
	}
	return &w, nil
}

// Delete removes the widget; per-kind rows and seen chatters go with it.
func (r *WidgetRepo) Delete(ctx context.Context, ownerID uuid.UUID, kind domain.WidgetKind) (*domain.Widget, error) {
	var w domain.Widget
	err := r.pool.QueryRow(ctx, `
		DELETE FROM widgets w
		WHERE w.owner_id = $1 AND w.kind = $2
		RETURNING `+widgetColumns,
		ownerID, string(kind)).Scan(widgetDest(&w)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWidgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete widget: %w", err)
	}
	return &w, nil
}

func insertWidget(ctx context.Context, q querier, ownerID uuid.UUID, twitchID string, kind domain.WidgetKind, overlayKey string) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		INSERT INTO widgets (owner_id, twitch_id, kind, overlay_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, ownerID, twitchID, string(kind), overlayKey).Scan(&id)
	if isUniqueViolation(err) {
		return uuid.Nil, domain.ErrWidgetExists
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert widget: %w", err)
	}
	return id, nil
}

// updateWidget touches updated_at and applies enabled when non-nil.
func updateWidget(ctx context.Context, q querier, ownerID uuid.UUID, kind domain.WidgetKind, enabled *bool) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		UPDATE widgets SET enabled = COALESCE($3, enabled), updated_at = NOW()
		WHERE owner_id = $1 AND kind = $2
		RETURNING id
	`, ownerID, string(kind), enabled).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, domain.ErrWidgetNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to update widget: %w", err)
	}
	return id, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrWidgetNotFound
	}
	return err
}
