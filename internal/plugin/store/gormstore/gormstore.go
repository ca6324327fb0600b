// Package gormstore implements the metadata store on GORM. The postgres and
// sqlite plugins wrap it with their respective drivers.
package gormstore

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/model"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
	"github.com/chirino/oai-service/internal/xmlcheck"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// URL-unreserved characters only, per the OAI-PMH metadataPrefix rule.
	prefixPattern = regexp.MustCompile(`^[A-Za-z0-9\-_.!~*'()]+$`)
	// Set spec pattern from the OAI-PMH XML schema.
	specPattern = regexp.MustCompile(`^[A-Za-z0-9\-_.!~*'()]+(:[A-Za-z0-9\-_.!~*'()]+)*$`)
)

// DB is a registrystore.Store backed by a GORM database handle.
type DB struct {
	db *gorm.DB
	// Now is the clock used for record datestamps and the global Datestamp.
	// Overridable in tests.
	Now func() time.Time
}

// New wraps an open GORM handle.
func New(db *gorm.DB) *DB {
	return &DB{db: db, Now: utcNow}
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Migrate creates the schema and bootstraps the oai_dc format, which must
// exist and be non-deleted in every initialized database.
func (s *DB) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&model.Format{},
		&model.Item{},
		&model.Record{},
		&model.Set{},
		&model.ItemSetLink{},
		&model.Datestamp{},
	)
	if err != nil {
		return err
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	exists, err := tx.FormatExists(model.OAIDCPrefix, false)
	if err == nil && !exists {
		_, err = tx.CreateOrUpdateFormat(model.OAIDCPrefix, model.OAIDCNamespace, model.OAIDCSchema)
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Begin opens a read-write transaction.
func (s *DB) Begin(ctx context.Context) (registrystore.Tx, error) {
	g := s.db.WithContext(ctx).Begin()
	if g.Error != nil {
		return nil, g.Error
	}
	return &tx{db: g, now: s.Now}, nil
}

// View runs fn in a transaction that is always rolled back, giving protocol
// requests a consistent read snapshot.
func (s *DB) View(ctx context.Context, fn func(tx registrystore.Tx) error) error {
	t, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	return fn(t)
}

// Close releases the underlying database handle.
func (s *DB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type tx struct {
	db  *gorm.DB
	now func() time.Time
}

func (t *tx) Commit() error   { return t.db.Commit().Error }
func (t *tx) Rollback() error { return t.db.Rollback().Error }

// --- Formats ---

func (t *tx) CreateOrUpdateFormat(prefix, namespace, schema string) (*model.Format, error) {
	if !prefixPattern.MatchString(prefix) {
		return nil, &registrystore.InvalidPrefixError{Prefix: prefix}
	}
	var format model.Format
	err := t.db.Where("prefix = ?", prefix).First(&format).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		format = model.Format{Prefix: prefix, Namespace: namespace, Schema: schema}
		if err := t.db.Create(&format).Error; err != nil {
			return nil, err
		}
		return &format, nil
	case err != nil:
		return nil, err
	}
	if format.Namespace != namespace || format.Schema != schema {
		// The stored payloads may no longer be valid against the new
		// namespace and schema; tombstone them. They stay deleted even
		// though the format itself is revived below.
		if err := t.MarkRecordsDeleted(nil, &prefix); err != nil {
			return nil, err
		}
	}
	format.Namespace = namespace
	format.Schema = schema
	format.Deleted = false
	if err := t.db.Save(&format).Error; err != nil {
		return nil, err
	}
	return &format, nil
}

func (t *tx) MarkFormatDeleted(prefix string) error {
	if err := t.MarkRecordsDeleted(nil, &prefix); err != nil {
		return err
	}
	res := t.db.Model(&model.Format{}).Where("prefix = ?", prefix).Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "format", ID: prefix}
	}
	return nil
}

func (t *tx) FormatExists(prefix string, ignoreDeleted bool) (bool, error) {
	q := t.db.Model(&model.Format{}).Where("prefix = ?", prefix)
	if ignoreDeleted {
		q = q.Where("deleted = ?", false)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *tx) ListFormats(identifier *string, ignoreDeleted bool) ([]model.Format, error) {
	q := t.db.Model(&model.Format{})
	if identifier != nil {
		sub := "SELECT 1 FROM records WHERE records.identifier = ? AND records.prefix = formats.prefix"
		if ignoreDeleted {
			sub += " AND records.deleted = false"
		}
		q = q.Where("EXISTS ("+sub+")", *identifier)
	}
	if ignoreDeleted {
		q = q.Where("deleted = ?", false)
	}
	var formats []model.Format
	if err := q.Order("prefix").Find(&formats).Error; err != nil {
		return nil, err
	}
	return formats, nil
}

// --- Items ---

func (t *tx) CreateOrUpdateItem(identifier string) (*model.Item, error) {
	var item model.Item
	err := t.db.Where("identifier = ?", identifier).First(&item).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		item = model.Item{Identifier: identifier}
		if err := t.db.Create(&item).Error; err != nil {
			return nil, err
		}
		return &item, nil
	case err != nil:
		return nil, err
	}
	item.Deleted = false
	if err := t.db.Save(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (t *tx) MarkItemDeleted(identifier string) error {
	if err := t.MarkRecordsDeleted(&identifier, nil); err != nil {
		return err
	}
	res := t.db.Model(&model.Item{}).Where("identifier = ?", identifier).Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "item", ID: identifier}
	}
	return nil
}

func (t *tx) ItemExists(identifier string, ignoreDeleted bool) (bool, error) {
	q := t.db.Model(&model.Item{}).Where("identifier = ?", identifier)
	if ignoreDeleted {
		q = q.Where("deleted = ?", false)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *tx) ListItems(ignoreDeleted bool) ([]model.Item, error) {
	q := t.db.Model(&model.Item{})
	if ignoreDeleted {
		q = q.Where("deleted = ?", false)
	}
	var items []model.Item
	if err := q.Order("identifier").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (t *tx) ClearItemSets(identifier string) error {
	return t.db.Where("item_identifier = ?", identifier).Delete(&model.ItemSetLink{}).Error
}

func (t *tx) AddItemToSet(identifier, spec string) error {
	link := model.ItemSetLink{ItemIdentifier: identifier, SetSpec: spec}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// --- Records ---

func (t *tx) CreateOrUpdateRecord(identifier, prefix, xml string) (*model.Record, error) {
	var format model.Format
	if err := t.db.Where("prefix = ?", prefix).First(&format).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.UnknownFormatError{Prefix: prefix}
		}
		return nil, err
	}
	var count int64
	if err := t.db.Model(&model.Item{}).Where("identifier = ?", identifier).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, &registrystore.UnknownIdentifierError{Identifier: identifier}
	}

	var record model.Record
	err := t.db.Where("identifier = ? AND prefix = ?", identifier, prefix).First(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := xmlcheck.Check(xml, format.Namespace, format.Schema); err != nil {
			return nil, &registrystore.XMLInvalidError{Reason: err.Error()}
		}
		record = model.Record{
			Identifier: identifier,
			Prefix:     prefix,
			Datestamp:  t.now(),
			XML:        &xml,
		}
		if err := t.db.Create(&record).Error; err != nil {
			return nil, err
		}
		if err := t.bumpDatestamp(); err != nil {
			return nil, err
		}
		return &record, nil
	case err != nil:
		return nil, err
	}

	// Unchanged payloads leave the datestamp alone.
	if !record.Deleted && record.XML != nil && *record.XML == xml {
		return &record, nil
	}
	if err := xmlcheck.Check(xml, format.Namespace, format.Schema); err != nil {
		return nil, &registrystore.XMLInvalidError{Reason: err.Error()}
	}
	record.XML = &xml
	record.Deleted = false
	record.Datestamp = t.now()
	if err := t.db.Save(&record).Error; err != nil {
		return nil, err
	}
	if err := t.bumpDatestamp(); err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *tx) MarkRecordsDeleted(identifier, prefix *string) error {
	q := t.db.Model(&model.Record{}).Where("deleted = ?", false)
	if identifier != nil {
		q = q.Where("identifier = ?", *identifier)
	}
	if prefix != nil {
		q = q.Where("prefix = ?", *prefix)
	}
	res := q.Updates(map[string]any{
		"deleted":   true,
		"xml":       nil,
		"datestamp": t.now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return t.bumpDatestamp()
	}
	return nil
}

func (t *tx) ListRecords(q registrystore.RecordQuery) ([]model.Record, error) {
	if q.Limit != nil && *q.Limit < 0 {
		return nil, &registrystore.NegativeLimitError{Limit: *q.Limit}
	}
	dbq := t.db.Model(&model.Record{})
	if q.Identifier != nil {
		dbq = dbq.Where("identifier = ?", *q.Identifier)
	}
	if q.Prefix != nil {
		dbq = dbq.Where("prefix = ?", *q.Prefix)
	}
	if q.From != nil {
		dbq = dbq.Where("datestamp >= ?", *q.From)
	}
	if q.Until != nil {
		dbq = dbq.Where("datestamp <= ?", *q.Until)
	}
	if q.IgnoreDeleted {
		dbq = dbq.Where("deleted = ?", false)
	}
	if q.Set != nil {
		// Exact spec match; hierarchical expansion is not applied here.
		dbq = dbq.Where("identifier IN (SELECT item_identifier FROM item_sets WHERE set_spec = ?)", *q.Set)
	}
	if q.Offset != nil {
		dbq = dbq.Where("identifier >= ?", *q.Offset)
	}
	dbq = dbq.Order("identifier")
	if q.Limit != nil {
		dbq = dbq.Limit(*q.Limit)
	}
	var records []model.Record
	if err := dbq.Find(&records).Error; err != nil {
		return nil, err
	}
	for i := range records {
		specs, err := t.SetSpecs(records[i].Identifier)
		if err != nil {
			return nil, err
		}
		records[i].SetSpecs = specs
	}
	return records, nil
}

func (t *tx) EarliestDatestamp(ignoreDeleted bool) (*time.Time, error) {
	q := t.db.Model(&model.Record{})
	if ignoreDeleted {
		q = q.Where("deleted = ?", false)
	}
	var record model.Record
	err := q.Order("datestamp").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts := record.Datestamp.UTC()
	return &ts, nil
}

// SetSpecs returns the specs of the item's sets with proper ancestors of
// other returned specs removed, so headers list only leaf memberships.
func (t *tx) SetSpecs(identifier string) ([]string, error) {
	var specs []string
	err := t.db.Model(&model.ItemSetLink{}).
		Where("item_identifier = ?", identifier).
		Pluck("set_spec", &specs).Error
	if err != nil {
		return nil, err
	}
	// Deepest first, so ancestors of kept specs are seen after being marked.
	sort.Slice(specs, func(i, j int) bool {
		return strings.Count(specs[i], ":") > strings.Count(specs[j], ":")
	})
	processed := make(map[string]bool)
	var result []string
	for _, spec := range specs {
		if processed[spec] {
			continue
		}
		result = append(result, spec)
		for _, parent := range model.ParentSpecs(spec) {
			processed[parent] = true
		}
	}
	return result, nil
}

// --- Sets ---

func (t *tx) CreateOrUpdateSet(spec, name string) (*model.Set, error) {
	if !specPattern.MatchString(spec) {
		return nil, &registrystore.InvalidSetSpecError{Spec: spec}
	}
	set := model.Set{Spec: spec, Name: name}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "spec"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&set).Error
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (t *tx) ListSets() ([]model.Set, error) {
	var sets []model.Set
	if err := t.db.Order("spec").Find(&sets).Error; err != nil {
		return nil, err
	}
	return sets, nil
}

// --- Datestamp ---

func (t *tx) Datestamp() (*time.Time, error) {
	var row model.Datestamp
	err := t.db.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts := row.Datestamp.UTC()
	return &ts, nil
}

func (t *tx) bumpDatestamp() error {
	var rows []model.Datestamp
	if err := t.db.Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) > 1 {
		log.Warn("Multiple datestamp rows found; deduping", "count", len(rows))
	}
	if len(rows) != 1 {
		if err := t.db.Where("1 = 1").Delete(&model.Datestamp{}).Error; err != nil {
			return err
		}
		return t.db.Create(&model.Datestamp{Datestamp: t.now()}).Error
	}
	return t.db.Model(&model.Datestamp{}).
		Where("datestamp = ?", rows[0].Datestamp).
		Update("datestamp", t.now()).Error
}

// --- Maintenance ---

func (t *tx) PurgeDeleted() error {
	purged := int64(0)
	for _, m := range []any{&model.Record{}, &model.Format{}, &model.Item{}} {
		res := t.db.Where("deleted = ?", true).Delete(m)
		if res.Error != nil {
			return res.Error
		}
		purged += res.RowsAffected
	}
	if purged > 0 {
		return t.bumpDatestamp()
	}
	return nil
}
