package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/revlens/syncengine/pkg/compress"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/jsonx"
	"github.com/revlens/syncengine/pkg/models"
)

// coreFields are the normalized field names with typed slots on
// NormalizedRecord. Everything else mapped or unmapped lands in
// CustomFields so vendor data is never silently dropped.
var coreFields = map[string]struct{}{
	"external_id": {},
	"name":        {},
	"email":       {},
	"domain":      {},
	"amount":      {},
	"stage":       {},
	"close_date":  {},
	"owner_id":    {},
	"transcript":  {},
	"summary":     {},
}

// dateLayouts are tried in order when parsing close dates.
var dateLayouts = []string{
	time.RFC3339,
	time.DateOnly,
	"2006-01-02T15:04:05",
	"01/02/2006",
}

// Mapper converts raw vendor records into normalized records using a
// per entity type field mapping.
type Mapper struct {
	tenantID string
	source   string
}

// NewMapper creates a mapper bound to one tenant and source.
func NewMapper(tenantID, source string) *Mapper {
	return &Mapper{tenantID: tenantID, source: source}
}

// Map converts one raw record. Mapped vendor fields fill the typed
// core slots; unmapped vendor attributes flow into CustomFields. The
// raw payload is kept as a compressed audit copy.
func (m *Mapper) Map(entityType models.EntityType, mapping models.FieldMapping, raw models.RawRecord) (*models.NormalizedRecord, error) {
	if raw.Payload == nil {
		return nil, errors.New(errors.ErrorTypeTransform, "record has no payload")
	}

	rec := &models.NormalizedRecord{
		TenantID:   m.tenantID,
		Source:     m.source,
		SourceID:   raw.SourceID,
		EntityType: entityType,
	}

	// Vendor fields consumed by the mapping do not also appear as
	// custom fields.
	consumed := make(map[string]struct{}, len(mapping))

	for normalized, vendorField := range mapping {
		value, ok := raw.Payload[vendorField]
		if !ok || value == nil {
			continue
		}
		consumed[vendorField] = struct{}{}

		if err := setCoreField(rec, normalized, value); err != nil {
			return nil, err
		}
	}

	for vendorField, value := range raw.Payload {
		if _, ok := consumed[vendorField]; ok {
			continue
		}
		if value == nil {
			continue
		}
		if rec.CustomFields == nil {
			rec.CustomFields = make(map[string]interface{})
		}
		rec.CustomFields[vendorField] = value
	}

	payload, err := jsonx.Marshal(raw.Payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransform, "encoding raw payload")
	}
	rec.RawPayload = compress.Compress(payload)

	return rec, nil
}

// setCoreField assigns one mapped value to its typed slot, or to
// CustomFields when the normalized name has no slot.
func setCoreField(rec *models.NormalizedRecord, normalized string, value interface{}) error {
	if _, ok := coreFields[normalized]; !ok {
		if rec.CustomFields == nil {
			rec.CustomFields = make(map[string]interface{})
		}
		rec.CustomFields[normalized] = value
		return nil
	}

	switch normalized {
	case "external_id":
		if rec.SourceID == "" {
			rec.SourceID = asString(value)
		}
	case "name":
		rec.Name = asString(value)
	case "email":
		rec.Email = strings.ToLower(strings.TrimSpace(asString(value)))
	case "domain":
		rec.Domain = asString(value)
	case "stage":
		rec.Stage = asString(value)
	case "owner_id":
		rec.OwnerID = asString(value)
	case "transcript":
		rec.Transcript = asString(value)
	case "summary":
		rec.Summary = asString(value)

	case "amount":
		amount, err := asFloat(value)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransform, "parsing amount").
				WithDetail("value", value)
		}
		rec.Amount = &amount

	case "close_date":
		t, err := asTime(value)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransform, "parsing close_date").
				WithDetail("value", value)
		}
		rec.CloseDate = &t
	}

	return nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		cleaned = strings.TrimPrefix(cleaned, "$")
		return strconv.ParseFloat(cleaned, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func asTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
	case float64:
		// Epoch milliseconds, the common vendor encoding.
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
}
