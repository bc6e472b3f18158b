package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
)

// Tier is one row of the tier table.
type Tier struct {
	Level       model.Tier
	Name        string
	RequiresKey bool
}

// DefaultTiers is the stock table: plaintext, then two key-backed levels.
func DefaultTiers() []Tier {
	return TiersFrom(model.DefaultTiers())
}

// TiersFrom converts the configured table, ordered by level.
func TiersFrom(cfg []model.TierConfig) []Tier {
	tiers := xslices.Map(cfg, func(c model.TierConfig) Tier {
		return Tier{Level: model.Tier(c.Level), Name: c.Name, RequiresKey: c.RequiresKey}
	})
	slices.SortFunc(tiers, func(a, b Tier) int { return int(a.Level) - int(b.Level) })

	return tiers
}

func (p *Pipeline) tier(level model.Tier) (Tier, bool) {
	i := slices.IndexFunc(p.tiers, func(t Tier) bool { return t.Level == level })
	if i < 0 {
		return Tier{}, false
	}
	return p.tiers[i], true
}

func (p *Pipeline) tierName(level model.Tier) string {
	if t, ok := p.tier(level); ok && t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("tier %d", level)
}

// resolveTier decides the tier a send goes out at. Tiers that need key
// material probe the pool and ask for one replenishment; any grant counts
// as success. Otherwise the send falls back to the highest lower tier
// that needs no keys.
func (p *Pipeline) resolveTier(ctx context.Context, requested Tier) (model.Tier, string, error) {
	if !requested.RequiresKey {
		return requested.Level, "", nil
	}

	log := logrus.WithField("tier", requested.Name)

	available, err := p.keys.KeyStatus(ctx)
	switch {
	case err == nil && available > 0:
		return requested.Level, "", nil

	case err != nil && remote.IsNetwork(err):
		return 0, "", fmt.Errorf("probing key pool: %w", err)

	case err != nil:
		log.WithError(err).Info("Key status probe failed, trying to replenish")
	}

	granted, rerr := p.keys.RequestKeys(ctx, p.replenish)
	switch {
	case rerr == nil && granted > 0:
		if granted < p.replenish {
			log.WithFields(logrus.Fields{
				"requested": p.replenish,
				"granted":   granted,
			}).Info("Key pool partially replenished")
		}
		return requested.Level, "", nil

	case rerr != nil && remote.IsNetwork(rerr):
		return 0, "", fmt.Errorf("replenishing key pool: %w", rerr)
	}

	reason := fmt.Sprintf("no %s keys available", requested.Name)
	switch {
	case rerr != nil && !errors.Is(rerr, remote.ErrResourceExhausted):
		reason = fmt.Sprintf("%s: replenishment failed: %v", reason, rerr)
	case rerr != nil:
		reason += ": key pool exhausted"
	default:
		reason += ": replenishment granted none"
	}

	fallback, ok := p.fallback(requested.Level)
	if !ok {
		return 0, reason, fmt.Errorf("%w: %s and no lower tier is allowed", remote.ErrResourceExhausted, reason)
	}

	log.WithFields(logrus.Fields{
		"resolved": fallback.Name,
		"reason":   reason,
	}).Warn("Downgrading send tier")

	return fallback.Level, reason, nil
}

// fallback returns the highest tier below level that needs no keys and is
// not under the configured floor.
func (p *Pipeline) fallback(level model.Tier) (Tier, bool) {
	for i := len(p.tiers) - 1; i >= 0; i-- {
		t := p.tiers[i]
		if t.Level < level && !t.RequiresKey && t.Level >= p.minTier {
			return t, true
		}
	}
	return Tier{}, false
}
