// Package drift watches the observed custom-field schema of each
// tenant's source and raises findings when new, meaningfully populated
// fields appear between syncs.
package drift

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/store"
)

const (
	// MinFillRate filters out fields too sparse to matter. A field
	// populated on fewer than 10% of rows is noise, not drift.
	MinFillRate = 0.10

	// FindingWindow is how long an open drift finding suppresses new
	// findings for the same tenant and connector.
	FindingWindow = 7 * 24 * time.Hour
)

// Detector captures schema snapshots and raises drift findings for one
// connector's entity streams.
type Detector struct {
	records     store.RecordStore
	snapshots   store.SnapshotStore
	findings    store.FindingStore
	objectTypes []models.EntityType
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a detector. objectTypes are the entity streams the
// connector syncs; only their custom fields are snapshotted.
func New(records store.RecordStore, snapshots store.SnapshotStore, findings store.FindingStore, objectTypes []models.EntityType, logger *zap.Logger) *Detector {
	return &Detector{
		records:     records,
		snapshots:   snapshots,
		findings:    findings,
		objectTypes: objectTypes,
		logger:      logger.With(zap.String("component", "drift_detector")),
		now:         time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// CaptureSchema builds the current snapshot from stored rows: the set
// of distinct custom-field names per object type, scoped to the rows
// this connector produced.
func (d *Detector) CaptureSchema(ctx context.Context, tenantID, connector string) (*models.SchemaSnapshot, error) {
	fields := make(map[string][]string, len(d.objectTypes))

	for _, objectType := range d.objectTypes {
		names, err := d.records.CustomFieldNames(ctx, tenantID, connector, objectType)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "capturing schema").
				WithDetail("object_type", string(objectType))
		}
		if len(names) > 0 {
			sort.Strings(names)
			fields[string(objectType)] = names
		}
	}

	return &models.SchemaSnapshot{
		TenantID:   tenantID,
		Connector:  connector,
		Fields:     fields,
		CapturedAt: d.now().UTC(),
	}, nil
}

// DetectNewFields compares the current schema against the stored
// snapshot and returns fields that appeared since, filtered to those
// populated on at least MinFillRate of rows. The first sync has no
// stored snapshot and establishes the baseline silently. The current
// snapshot replaces the stored one in every case, so a field is
// reported at most once even when it stays below the fill threshold
// forever.
func (d *Detector) DetectNewFields(ctx context.Context, tenantID, connector string) ([]models.NewField, error) {
	current, err := d.CaptureSchema(ctx, tenantID, connector)
	if err != nil {
		return nil, err
	}

	previous, err := d.snapshots.GetSnapshot(ctx, tenantID, connector)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "loading schema snapshot")
	}

	var newFields []models.NewField
	if previous != nil {
		for objectType, names := range current.Fields {
			known := make(map[string]struct{}, len(previous.Fields[objectType]))
			for _, name := range previous.Fields[objectType] {
				known[name] = struct{}{}
			}

			for _, name := range names {
				if _, ok := known[name]; ok {
					continue
				}
				rate, err := d.records.FieldFillRate(ctx, tenantID, connector, models.EntityType(objectType), name)
				if err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypePersistence, "computing fill rate").
						WithDetail("field", name)
				}
				if rate < MinFillRate {
					continue
				}
				newFields = append(newFields, models.NewField{
					ObjectType: objectType,
					Name:       name,
					FillRate:   rate,
				})
			}
		}
	}

	if err := d.snapshots.PutSnapshot(ctx, current); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "storing schema snapshot")
	}

	if len(newFields) > 0 {
		sort.Slice(newFields, func(i, j int) bool {
			if newFields[i].ObjectType != newFields[j].ObjectType {
				return newFields[i].ObjectType < newFields[j].ObjectType
			}
			return newFields[i].Name < newFields[j].Name
		})
		d.logger.Info("schema drift detected",
			zap.String("tenant_id", tenantID),
			zap.String("connector", connector),
			zap.Int("new_fields", len(newFields)))
	}

	return newFields, nil
}

// RaiseFinding records drift as a finding. If an open drift finding for
// the same tenant and connector is younger than FindingWindow, it is
// updated in place instead of creating a duplicate alert.
func (d *Detector) RaiseFinding(ctx context.Context, tenantID, connector string, newFields []models.NewField) error {
	if len(newFields) == 0 {
		return nil
	}

	names := make([]string, 0, len(newFields))
	fieldMeta := make([]map[string]interface{}, 0, len(newFields))
	for _, f := range newFields {
		names = append(names, f.ObjectType+"."+f.Name)
		fieldMeta = append(fieldMeta, map[string]interface{}{
			"object_type": f.ObjectType,
			"name":        f.Name,
			"fill_rate":   f.FillRate,
		})
	}
	message := fmt.Sprintf("new custom fields detected on %s: %s", connector, strings.Join(names, ", "))
	metadata := map[string]interface{}{"fields": fieldMeta}

	since := d.now().UTC().Add(-FindingWindow)
	existing, err := d.findings.FindOpenFinding(ctx, tenantID, models.FindingCategorySchemaDrift, connector, since)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "looking up open drift finding")
	}

	if existing != nil {
		existing.Message = message
		existing.Metadata = metadata
		if err := d.findings.UpdateFinding(ctx, existing); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "updating drift finding")
		}
		return nil
	}

	finding := &models.Finding{
		TenantID:  tenantID,
		Category:  models.FindingCategorySchemaDrift,
		Connector: connector,
		Message:   message,
		Metadata:  metadata,
		Open:      true,
	}
	if err := d.findings.InsertFinding(ctx, finding); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "inserting drift finding")
	}
	return nil
}

// Run captures, detects, and raises in one call. It is invoked at the
// end of each sync; drift errors degrade the run but never fail it.
func (d *Detector) Run(ctx context.Context, tenantID, connector string) ([]models.NewField, error) {
	newFields, err := d.DetectNewFields(ctx, tenantID, connector)
	if err != nil {
		return nil, err
	}
	if err := d.RaiseFinding(ctx, tenantID, connector, newFields); err != nil {
		return newFields, err
	}
	return newFields, nil
}
