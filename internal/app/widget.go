package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

const overlayKeyBytes = 16

// lifecycle is the part of widget management that does not depend on the kind:
// subscriptions on create, cache invalidation and overlay eviction on every mutation.
type lifecycle struct {
	kind    domain.WidgetKind
	topics  []string
	widgets domain.WidgetRepository
	subs    domain.SubscriptionManager
	// evictor is nil for kinds without an overlay.
	evictor domain.OverlayEvictor
	newKey  func() (string, error)
}

func (l *lifecycle) subscribe(ctx context.Context, channelID string) error {
	for _, topic := range l.topics {
		if err := l.subs.EnsureSubscription(ctx, topic, channelID); err != nil {
			return fmt.Errorf("ensure %s subscription: %w", topic, err)
		}
	}
	return nil
}

// changed runs after every write to w. Neither step fails the write.
func (l *lifecycle) changed(ctx context.Context, cache interface {
	Invalidate(context.Context, domain.Widget) error
}, w domain.Widget) {
	if err := cache.Invalidate(ctx, w); err != nil {
		slog.ErrorContext(ctx, "Config cache invalidation failed", "kind", l.kind, "owner_id", w.OwnerID, "error", err)
	}
	if l.evictor == nil {
		return
	}
	if err := l.evictor.EvictAll(ctx, l.kind, w.OwnerID); err != nil {
		slog.WarnContext(ctx, "Overlay eviction failed", "kind", l.kind, "owner_id", w.OwnerID, "error", err)
	}
}

func (l *lifecycle) rotateKey(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error) {
	key, err := l.newKey()
	if err != nil {
		return nil, err
	}
	w, err := l.widgets.RotateOverlayKey(ctx, ownerID, l.kind, key)
	if err != nil {
		return nil, fmt.Errorf("rotate %s overlay key: %w", l.kind, err)
	}
	return w, nil
}

func (l *lifecycle) delete(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error) {
	w, err := l.widgets.Delete(ctx, ownerID, l.kind)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", l.kind, err)
	}
	if err := l.subs.RemoveSubscriptions(ctx, w.TwitchID, l.topics...); err != nil {
		slog.WarnContext(ctx, "Failed to remove EventSub subscriptions", "kind", l.kind, "channel_id", w.TwitchID, "error", err)
	}
	return w, nil
}

func hexKey() (string, error) {
	b := make([]byte, overlayKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate overlay key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func uuidKey() (string, error) {
	return uuid.NewString(), nil
}

// render replaces every {{name}} in tmpl in a single pass, so substituted values
// are never expanded again. Unknown placeholders are left as they are.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(vars))
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
