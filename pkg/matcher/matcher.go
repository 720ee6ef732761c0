// Package matcher compares a probe embedding against enrolled identities to
// find who a face might belong to and to flag duplicate enrollments.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/MrCodeEU/faceenroll/pkg/config"
	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/records"
	"github.com/sirupsen/logrus"
)

// DefaultMaxDistance is the distance at which similarity reaches zero.
const DefaultMaxDistance = 1.2

// Tier is a coarse presentation bucket for a similarity score.
type Tier string

const (
	TierVeryHigh Tier = "very-high"
	TierHigh     Tier = "high"
	TierModerate Tier = "moderate"
	TierLow      Tier = "low"
)

// MatchResult is one identity that resembles the probe.
type MatchResult struct {
	IdentityID  string  `json:"identity_id"`
	DisplayName string  `json:"display_name,omitempty"`
	Similarity  float64 `json:"similarity"`
	Distance    float64 `json:"distance"`
	Tier        Tier    `json:"tier"`
}

// Options holds the calibration and policy parameters.
type Options struct {
	MaxDistance        float64
	LookupThreshold    float64
	DuplicateThreshold float64
	TopK               int
	VeryHighAbove      float64
	HighAbove          float64
}

// DefaultOptions returns the stock calibration.
func DefaultOptions() Options {
	return Options{
		MaxDistance:        DefaultMaxDistance,
		LookupThreshold:    30,
		DuplicateThreshold: 70,
		TopK:               5,
		VeryHighAbove:      85,
		HighAbove:          75,
	}
}

// OptionsFromConfig converts the matching configuration section.
func OptionsFromConfig(cfg config.MatchingConfig) Options {
	return Options{
		MaxDistance:        cfg.MaxDistance,
		LookupThreshold:    cfg.LookupThreshold,
		DuplicateThreshold: cfg.DuplicateThreshold,
		TopK:               cfg.TopK,
		VeryHighAbove:      cfg.VeryHighAbove,
		HighAbove:          cfg.HighAbove,
	}
}

// SimilarityFromDistance converts a Euclidean distance to a 0-100 score:
// (1 - d/dMax) * 100, clamped. It is the only distance-to-similarity
// conversion in the system.
func SimilarityFromDistance(d, dMax float64) float64 {
	if dMax <= 0 || math.IsNaN(d) || math.IsNaN(dMax) {
		return 0
	}
	s := (1 - d/dMax) * 100
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Matcher ranks enrolled identities by similarity to a probe.
type Matcher struct {
	opts Options
	log  *logrus.Entry
}

// New creates a matcher. A non-positive MaxDistance uses DefaultMaxDistance.
func New(opts Options) *Matcher {
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultMaxDistance
	}
	return &Matcher{opts: opts, log: logging.Component("matcher")}
}

// Options returns the matcher's parameters.
func (m *Matcher) Options() Options {
	return m.opts
}

// Similarity compares two embeddings. A missing embedding on either side
// yields 0.
func (m *Matcher) Similarity(a, b *embedding.Embedding) float64 {
	if a == nil || b == nil {
		m.log.Warn("Similarity requested with a missing embedding")
		return 0
	}
	return SimilarityFromDistance(embedding.Distance(*a, *b), m.opts.MaxDistance)
}

// Classify maps a similarity to its tier.
func (m *Matcher) Classify(similarity float64) Tier {
	switch {
	case similarity > m.opts.VeryHighAbove:
		return TierVeryHigh
	case similarity > m.opts.HighAbove:
		return TierHigh
	case similarity >= m.opts.DuplicateThreshold:
		return TierModerate
	default:
		return TierLow
	}
}

type matchConfig struct {
	topK    int
	exclude map[string]bool
}

// MatchOption adjusts a single Match call.
type MatchOption func(*matchConfig)

// WithTopK overrides the number of results kept. Zero or less keeps all.
func WithTopK(k int) MatchOption {
	return func(c *matchConfig) { c.topK = k }
}

// Excluding drops the given identities from the comparison.
func Excluding(ids ...string) MatchOption {
	return func(c *matchConfig) {
		for _, id := range ids {
			if id != "" {
				c.exclude[id] = true
			}
		}
	}
}

// Match compares probe against every stored embedding of every identity.
// Embeddings that cannot be normalized to the canonical shape are logged
// and skipped. Each identity contributes its best similarity; results below
// threshold are dropped, the rest are sorted by descending similarity (ties
// by identity id) and truncated to the top K.
func (m *Matcher) Match(probe *embedding.Embedding, identities []records.IdentityRecord, threshold float64, opts ...MatchOption) []MatchResult {
	if probe == nil {
		m.log.Warn("Match requested without a probe embedding")
		return nil
	}
	if !probe.Finite() {
		m.log.Warn("Match requested with a non-finite probe embedding")
		return nil
	}

	cfg := matchConfig{topK: m.opts.TopK, exclude: make(map[string]bool)}
	for _, opt := range opts {
		opt(&cfg)
	}

	var results []MatchResult
	skipped := 0
	for _, rec := range identities {
		if cfg.exclude[rec.ID] {
			continue
		}

		best := MatchResult{IdentityID: rec.ID, DisplayName: rec.DisplayName, Similarity: -1}
		for _, stored := range rec.Embeddings {
			e, err := stored.Canonical()
			if err != nil {
				var fe *embedding.FormatError
				if errors.As(err, &fe) {
					fe.RecordID = rec.ID
				}
				m.log.WithField("identity", rec.ID).Warnf("Skipping stored embedding: %v", err)
				skipped++
				continue
			}
			d := embedding.Distance(*probe, e)
			if s := SimilarityFromDistance(d, m.opts.MaxDistance); s > best.Similarity {
				best.Similarity = s
				best.Distance = d
			}
		}
		if best.Similarity < 0 || best.Similarity < threshold {
			continue
		}
		best.Tier = m.Classify(best.Similarity)
		results = append(results, best)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].IdentityID < results[j].IdentityID
	})
	if cfg.topK > 0 && len(results) > cfg.topK {
		results = results[:cfg.topK]
	}

	m.log.WithFields(logrus.Fields{
		"identities": len(identities),
		"matches":    len(results),
		"skipped":    skipped,
		"threshold":  threshold,
	}).Debug("Match complete")
	return results
}

// Lookup finds who the probe might be, using the low lookup threshold.
func (m *Matcher) Lookup(ctx context.Context, store records.Reader, probe *embedding.Embedding) ([]MatchResult, error) {
	identities, err := store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return m.Match(probe, identities, m.opts.LookupThreshold), nil
}

// CheckDuplicates finds enrolled identities the probe plausibly belongs to,
// using the duplicate threshold. The identity being enrolled is excluded.
func (m *Matcher) CheckDuplicates(ctx context.Context, store records.Reader, probe *embedding.Embedding, enrollingID string) ([]MatchResult, error) {
	identities, err := store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return m.Match(probe, identities, m.opts.DuplicateThreshold, Excluding(enrollingID)), nil
}
