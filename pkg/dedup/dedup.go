// Package dedup resolves record identity for sources that lack a
// stable vendor ID. Strategy selection is deterministic given the same
// field mapping, and every match carries the fixed confidence of the
// strategy that produced it.
package dedup

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/models"
)

// Strategy confidences. These reflect how trustworthy each identity
// signal is in general, not a per-match similarity score.
const (
	confidenceExternalID    = 1.0
	confidenceDealComposite = 0.85
	confidenceContactEmail  = 0.95
	confidenceContactName   = 0.60
	confidenceAccountDomain = 0.90
	confidenceAccountName   = 0.70
)

// Resolver selects dedup strategies and matches incoming records
// against existing rows.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger.With(zap.String("component", "dedup"))}
}

// DetectStrategy chooses the best available identity strategy for one
// (tenant, entity type) field mapping. Computed once per mapping and
// stable until the mapping changes.
func (r *Resolver) DetectStrategy(entityType models.EntityType, mapping models.FieldMapping) models.DedupConfig {
	if _, ok := mapping["external_id"]; ok {
		return models.DedupConfig{
			Strategy:   models.DedupStrategyExternalID,
			KeyFields:  []string{"external_id"},
			Confidence: confidenceExternalID,
		}
	}

	has := func(fields ...string) bool {
		for _, f := range fields {
			if _, ok := mapping[f]; !ok {
				return false
			}
		}
		return true
	}

	switch entityType {
	case models.EntityTypeDeal:
		if has("name", "amount", "close_date") {
			return models.DedupConfig{
				Strategy:   models.DedupStrategyComposite,
				KeyFields:  []string{"name", "amount", "close_date"},
				Confidence: confidenceDealComposite,
				Warning:    "deals renamed in the source will not be recognized as existing",
			}
		}

	case models.EntityTypeContact:
		if has("email") {
			return models.DedupConfig{
				Strategy:   models.DedupStrategyComposite,
				KeyFields:  []string{"email"},
				Confidence: confidenceContactEmail,
			}
		}
		if has("name") {
			return models.DedupConfig{
				Strategy:   models.DedupStrategyComposite,
				KeyFields:  []string{"name"},
				Confidence: confidenceContactName,
				Warning:    "matching contacts by name only; duplicates may be created",
			}
		}

	case models.EntityTypeAccount:
		if has("domain") {
			return models.DedupConfig{
				Strategy:   models.DedupStrategyComposite,
				KeyFields:  []string{"domain"},
				Confidence: confidenceAccountDomain,
			}
		}
		if has("name") {
			return models.DedupConfig{
				Strategy:   models.DedupStrategyComposite,
				KeyFields:  []string{"name"},
				Confidence: confidenceAccountName,
				Warning:    "matching accounts by name only; distinct companies with the same name will collide",
			}
		}
	}

	return models.DedupConfig{
		Strategy: models.DedupStrategyNone,
		Warning:  "no identity fields mapped; re-importing will duplicate records",
	}
}

// FindDuplicates indexes existing rows by composite key and returns a
// match for every incoming record whose key collides with an existing
// row.
func (r *Resolver) FindDuplicates(tenantID string, entityType models.EntityType, cfg models.DedupConfig, incoming []*models.NormalizedRecord, existing []*models.NormalizedRecord) []models.DedupMatch {
	if cfg.Strategy == models.DedupStrategyNone || len(cfg.KeyFields) == 0 {
		return nil
	}

	index := make(map[string]string, len(existing))
	for _, rec := range existing {
		key, ok := compositeKey(rec, cfg.KeyFields)
		if !ok {
			continue
		}
		// First row wins on key collision within existing data.
		if _, dup := index[key]; !dup {
			index[key] = rec.ID
		}
	}

	var matches []models.DedupMatch
	for i, rec := range incoming {
		key, ok := compositeKey(rec, cfg.KeyFields)
		if !ok {
			continue
		}
		existingID, found := index[key]
		if !found {
			continue
		}
		matches = append(matches, models.DedupMatch{
			IncomingIndex: i,
			ExistingID:    existingID,
			Strategy:      cfg.Strategy,
			Confidence:    cfg.Confidence,
		})
	}

	if len(matches) > 0 {
		r.logger.Debug("dedup matches found",
			zap.String("tenant_id", tenantID),
			zap.String("entity_type", string(entityType)),
			zap.String("strategy", string(cfg.Strategy)),
			zap.Int("matches", len(matches)))
	}

	return matches
}

// compositeKey builds the normalized key for a record. ok is false
// when every key field is empty, which would otherwise match all
// records with equally empty keys.
func compositeKey(rec *models.NormalizedRecord, keyFields []string) (string, bool) {
	parts := make([]string, 0, len(keyFields))
	nonEmpty := false

	for _, field := range keyFields {
		v := normalizeField(field, fieldValue(rec, field))
		if v != "" {
			nonEmpty = true
		}
		parts = append(parts, v)
	}

	return strings.Join(parts, "\x1f"), nonEmpty
}

// fieldValue reads a named field from the typed core slots, falling
// back to the custom-fields map.
func fieldValue(rec *models.NormalizedRecord, field string) string {
	switch field {
	case "external_id", "source_id":
		return rec.SourceID
	case "name":
		return rec.Name
	case "email":
		return rec.Email
	case "domain":
		return rec.Domain
	case "amount":
		if rec.Amount == nil {
			return ""
		}
		// Fixed two-decimal formatting so 1500 and 1500.00 collide.
		return fmt.Sprintf("%.2f", *rec.Amount)
	case "close_date":
		if rec.CloseDate == nil {
			return ""
		}
		return rec.CloseDate.UTC().Format(time.DateOnly)
	default:
		if rec.CustomFields == nil {
			return ""
		}
		if v, ok := rec.CustomFields[field]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
		return ""
	}
}

// normalizeField canonicalizes a key component: lowercase, collapsed
// whitespace, and for domains the scheme, www. prefix, and path are
// stripped so "https://www.acme.com/about" and "acme.com" collide.
func normalizeField(field, value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.Join(strings.Fields(v), " ")

	if field == "domain" && v != "" {
		if i := strings.Index(v, "://"); i >= 0 {
			v = v[i+3:]
		}
		v = strings.TrimPrefix(v, "www.")
		if i := strings.IndexAny(v, "/?#"); i >= 0 {
			v = v[:i]
		}
		v = strings.TrimSuffix(v, ".")
	}

	return v
}
