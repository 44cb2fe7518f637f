package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

// Overlay event names.
const (
	eventAudio = "audio"
	eventClip  = "clip"
)

func decode[T any](raw json.RawMessage) (T, error) {
	var evt T
	if err := json.Unmarshal(raw, &evt); err != nil {
		return evt, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

func publish(ctx context.Context, bus domain.EventBus, topic, event string, ownerID uuid.UUID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	if err := bus.Publish(ctx, topic, domain.RealtimeEvent{OwnerID: ownerID.String(), Event: event, Data: data}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
