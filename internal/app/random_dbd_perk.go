package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

const (
	perksPerRoll = 4
	perksPerPage = 15
	perksPerRow  = 5
)

type RandomDbdPerkDeps struct {
	Repo    domain.RandomDbdPerkRepository
	Widgets domain.WidgetRepository
	Configs domain.ConfigSource[*domain.RandomDbdPerkConfig]
	Subs    domain.SubscriptionManager
	Perks   domain.PerkCounter
	Twitch  domain.TwitchAPI
}

// RandomDbdPerkView is a perk widget together with the live perk totals.
type RandomDbdPerkView struct {
	*domain.RandomDbdPerkConfig
	TotalKillerPerks   int `json:"total_killer_perks"`
	TotalSurvivorPerks int `json:"total_survivor_perks"`
}

// RandomDbdPerkService rolls a random perk build when a viewer redeems a configured reward.
// The roll is posted in chat as in-game perk menu positions.
type RandomDbdPerkService struct {
	lifecycle
	repo    domain.RandomDbdPerkRepository
	configs domain.ConfigSource[*domain.RandomDbdPerkConfig]
	perks   domain.PerkCounter
	twitch  domain.TwitchAPI
	perm    func(n int) []int
}

func NewRandomDbdPerkService(d RandomDbdPerkDeps) *RandomDbdPerkService {
	return &RandomDbdPerkService{
		lifecycle: lifecycle{
			kind:    domain.KindRandomDbdPerk,
			topics:  []string{domain.TopicRewardRedemption},
			widgets: d.Widgets,
			subs:    d.Subs,
			newKey:  uuidKey,
		},
		repo:    d.Repo,
		configs: d.Configs,
		perks:   d.Perks,
		twitch:  d.Twitch,
		perm:    rand.Perm,
	}
}

func (s *RandomDbdPerkService) Create(ctx context.Context, ownerID uuid.UUID, channelID string) (*RandomDbdPerkView, error) {
	if err := s.subscribe(ctx, channelID); err != nil {
		return nil, err
	}
	key, err := s.newKey()
	if err != nil {
		return nil, err
	}
	cfg, err := s.repo.Create(ctx, ownerID, channelID, key)
	if err != nil {
		return nil, fmt.Errorf("create random dbd perk: %w", err)
	}
	slog.InfoContext(ctx, "Random DBD perk widget created", "owner_id", ownerID, "channel_id", channelID)
	return s.view(ctx, cfg)
}

func (s *RandomDbdPerkService) Get(ctx context.Context, ownerID uuid.UUID) (*RandomDbdPerkView, error) {
	cfg, err := s.configs.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, cfg)
}

// Update replaces the class settings. A maximum size of 0, or one that covers every
// known perk, is stored as UnlimitedRandomSize so the roll follows future perk releases.
func (s *RandomDbdPerkService) Update(ctx context.Context, ownerID uuid.UUID, u domain.RandomDbdPerkUpdate) (*RandomDbdPerkView, error) {
	for i, class := range u.Classes {
		if !class.Type.Valid() {
			return nil, fmt.Errorf("perk class %q: %w", class.Type, domain.ErrPerkClassNotFound)
		}
		total, err := s.perks.TotalPerks(ctx, class.Type)
		if err != nil {
			return nil, fmt.Errorf("count %s perks: %w", class.Type, err)
		}
		if class.MaximumRandomSize <= 0 || class.MaximumRandomSize >= total {
			u.Classes[i].MaximumRandomSize = domain.UnlimitedRandomSize
		}
	}

	cfg, err := s.repo.Update(ctx, ownerID, u)
	if err != nil {
		return nil, fmt.Errorf("update random dbd perk: %w", err)
	}
	s.changed(ctx, s.configs, cfg.Widget)
	return s.view(ctx, cfg)
}

func (s *RandomDbdPerkService) Delete(ctx context.Context, ownerID uuid.UUID) error {
	w, err := s.delete(ctx, ownerID)
	if err != nil {
		return err
	}
	s.changed(ctx, s.configs, *w)
	return nil
}

func (s *RandomDbdPerkService) RefreshOverlayKey(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error) {
	w, err := s.rotateKey(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, s.configs, *w)
	return w, nil
}

func (s *RandomDbdPerkService) view(ctx context.Context, cfg *domain.RandomDbdPerkConfig) (*RandomDbdPerkView, error) {
	killer, err := s.perks.TotalPerks(ctx, domain.PerkKiller)
	if err != nil {
		return nil, fmt.Errorf("count killer perks: %w", err)
	}
	survivor, err := s.perks.TotalPerks(ctx, domain.PerkSurvivor)
	if err != nil {
		return nil, fmt.Errorf("count survivor perks: %w", err)
	}
	return &RandomDbdPerkView{RandomDbdPerkConfig: cfg, TotalKillerPerks: killer, TotalSurvivorPerks: survivor}, nil
}

// RandomPerk handles channel.channel_points_custom_reward_redemption.add.
func (s *RandomDbdPerkService) RandomPerk(ctx context.Context, raw json.RawMessage) error {
	evt, err := decode[domain.RewardRedemptionEvent](raw)
	if err != nil {
		return err
	}
	log := slog.With("channel_id", evt.BroadcasterUserID, "reward_id", evt.Reward.ID)

	cfg, err := s.configs.GetByChannel(ctx, evt.BroadcasterUserID)
	if errors.Is(err, domain.ErrWidgetNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load random dbd perk config: %w", err)
	}

	class, ok := cfg.ClassByReward(evt.Reward.ID)
	if !ok {
		log.DebugContext(ctx, "Redemption is not a perk reward")
		return nil
	}
	if !cfg.Enabled || !class.Enabled {
		log.InfoContext(ctx, "Perk roll skipped, widget or class disabled", "class", class.Type)
		return nil
	}

	total, err := s.perks.TotalPerks(ctx, class.Type)
	if err != nil {
		return fmt.Errorf("count %s perks: %w", class.Type, err)
	}

	msg := perkMessage(class.Type, s.roll(min(total, class.MaximumRandomSize)))
	if err := s.twitch.SendChatMessage(ctx, evt.BroadcasterUserID, evt.BroadcasterUserID, msg); err != nil {
		return fmt.Errorf("send perk roll: %w", err)
	}
	log.InfoContext(ctx, "Perks rolled", "class", class.Type, "message", msg)
	return nil
}

// roll draws min(4, n) distinct perk numbers from [1, n].
func (s *RandomDbdPerkService) roll(n int) []int {
	if n <= 0 {
		return nil
	}
	picks := s.perm(n)[:min(perksPerRoll, n)]
	for i := range picks {
		picks[i]++
	}
	return picks
}

type perkPosition struct {
	Page, Row, Perk int
}

// position maps a 1-based perk number onto the in-game perk menu: pages of 15, rows of 5.
func position(seq int) perkPosition {
	s := seq - 1
	return perkPosition{
		Page: s/perksPerPage + 1,
		Row:  (s%perksPerPage)/perksPerRow + 1,
		Perk: s%perksPerRow + 1,
	}
}

// perkMessage renders "Random Killer Perks [ 1/3 | 2/14 ]": page, then slot on that page.
func perkMessage(class domain.PerkClassType, picks []int) string {
	parts := make([]string, 0, len(picks))
	for _, seq := range picks {
		p := position(seq)
		parts = append(parts, " "+strconv.Itoa(p.Page)+"/"+strconv.Itoa((p.Row-1)*perksPerRow+p.Perk))
	}
	name := string(class)
	return "Random " + strings.ToUpper(name[:1]) + name[1:] + " Perks [" + strings.Join(parts, " |") + " ]"
}
