package domain

import (
	"context"

	"github.com/google/uuid"
)

// OverlayEvictor closes every open overlay of an owner, on every server instance.
type OverlayEvictor interface {
	EvictAll(ctx context.Context, kind WidgetKind, ownerID uuid.UUID) error
}
