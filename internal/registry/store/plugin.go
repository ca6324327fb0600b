package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/oai-service/internal/model"
)

// RecordQuery holds the predicates for Tx.ListRecords. Nil fields are not
// applied. Results are ordered by identifier ascending; Offset restricts to
// identifiers >= Offset.
type RecordQuery struct {
	Identifier    *string
	Prefix        *string
	From          *time.Time
	Until         *time.Time
	Set           *string
	IgnoreDeleted bool
	Offset        *string
	Limit         *int
}

// Store is the persistence boundary of the OAI-PMH service. Every protocol
// request runs inside a single View transaction so it observes a consistent
// snapshot; the importer drives its own Begin/Commit units.
type Store interface {
	// Begin opens a read-write transaction.
	Begin(ctx context.Context) (Tx, error)
	// View runs fn inside a transaction that is always rolled back.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Close releases the underlying database handle.
	Close() error
}

// Tx exposes the typed operations of the metadata model. All writes bump the
// global Datestamp when they change what a list response could return.
type Tx interface {
	// Formats
	CreateOrUpdateFormat(prefix, namespace, schema string) (*model.Format, error)
	MarkFormatDeleted(prefix string) error
	FormatExists(prefix string, ignoreDeleted bool) (bool, error)
	// ListFormats restricts to formats having at least one record of the
	// given identifier when identifier is non-nil.
	ListFormats(identifier *string, ignoreDeleted bool) ([]model.Format, error)

	// Items
	CreateOrUpdateItem(identifier string) (*model.Item, error)
	MarkItemDeleted(identifier string) error
	ItemExists(identifier string, ignoreDeleted bool) (bool, error)
	ListItems(ignoreDeleted bool) ([]model.Item, error)
	ClearItemSets(identifier string) error
	AddItemToSet(identifier, spec string) error

	// Records
	CreateOrUpdateRecord(identifier, prefix, xml string) (*model.Record, error)
	// MarkRecordsDeleted tombstones all matching non-deleted records.
	// Nil identifier or prefix matches everything on that axis.
	MarkRecordsDeleted(identifier, prefix *string) error
	ListRecords(q RecordQuery) ([]model.Record, error)
	EarliestDatestamp(ignoreDeleted bool) (*time.Time, error)
	// SetSpecs returns the minimal antichain of set specs linked to the
	// item: specs that are proper ancestors of another linked spec are
	// dropped.
	SetSpecs(identifier string) ([]string, error)

	// Sets
	CreateOrUpdateSet(spec, name string) (*model.Set, error)
	ListSets() ([]model.Set, error)

	// Datestamp returns the database modification clock, or nil when the
	// database has never been modified.
	Datestamp() (*time.Time, error)

	// PurgeDeleted hard-removes soft-deleted records, formats and items,
	// in that order, bumping the Datestamp if any row went away.
	PurgeDeleted() error

	Commit() error
	Rollback() error
}

// Loader creates a Store from config carried in the context.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
