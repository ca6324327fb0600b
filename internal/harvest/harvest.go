// Package harvest reconciles the metadata store with a provider: formats and
// items first, then sets and records per item.
package harvest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/model"
	registryprovider "github.com/chirino/oai-service/internal/registry/provider"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
	"github.com/chirino/oai-service/internal/telemetry"
)

// Error is a fatal harvest failure. Per-item failures are logged and skipped;
// failures in the format or item reconciliation abort the whole run.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("harvest: %s: %v", e.Step, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Harvester drives one reconciliation run.
type Harvester struct {
	store    registrystore.Store
	provider registryprovider.MetadataProvider

	// Since restricts record updates to items changed after this time.
	// Nil forces a full harvest.
	Since *time.Time
	// Purge hard-removes soft-deleted rows as the run progresses.
	Purge bool
	// DryRun rolls back every transaction instead of committing.
	DryRun bool
}

// New builds a harvester with the given store and provider.
func New(store registrystore.Store, provider registryprovider.MetadataProvider) *Harvester {
	return &Harvester{store: store, provider: provider}
}

// Update runs the reconciliation: formats, items, then sets and records.
func (h *Harvester) Update(ctx context.Context) error {
	prefixes, err := h.updateFormats(ctx)
	if err != nil {
		return err
	}
	identifiers, err := h.updateItems(ctx)
	if err != nil {
		return err
	}
	h.updateRecords(ctx, identifiers, prefixes)

	if h.Purge {
		if err := h.purge(ctx); err != nil {
			return &Error{Step: "purge", Err: err}
		}
	}
	return nil
}

// finish commits the transaction, or rolls it back on a dry run.
func (h *Harvester) finish(tx registrystore.Tx) error {
	if h.DryRun {
		return tx.Rollback()
	}
	return tx.Commit()
}

func (h *Harvester) updateFormats(ctx context.Context) ([]string, error) {
	log.Debug("Updating metadata formats")

	formats, err := h.provider.Formats(ctx)
	if err != nil {
		return nil, &Error{Step: "formats", Err: err}
	}
	if len(formats) == 0 {
		return nil, &Error{Step: "formats", Err: fmt.Errorf("provider offers no formats")}
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, &Error{Step: "formats", Err: err}
	}
	removed, added, err := h.reconcileFormats(tx, formats)
	if err != nil {
		_ = tx.Rollback()
		return nil, &Error{Step: "formats", Err: err}
	}
	if err := h.finish(tx); err != nil {
		return nil, &Error{Step: "formats", Err: err}
	}
	log.Info("Updated metadata formats", "removed", removed, "added", added)

	prefixes := make([]string, 0, len(formats))
	for prefix := range formats {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

func (h *Harvester) reconcileFormats(tx registrystore.Tx, formats map[string]registryprovider.FormatSpec) (removed, added int, err error) {
	old, err := tx.ListFormats(nil, true)
	if err != nil {
		return 0, 0, err
	}
	known := make(map[string]bool, len(old))
	for _, f := range old {
		known[f.Prefix] = true
		if _, ok := formats[f.Prefix]; !ok {
			if err := tx.MarkFormatDeleted(f.Prefix); err != nil {
				return 0, 0, err
			}
			removed++
		}
	}
	for prefix, spec := range formats {
		if _, err := tx.CreateOrUpdateFormat(prefix, spec.Namespace, spec.Schema); err != nil {
			return 0, 0, err
		}
		if !known[prefix] {
			added++
		}
	}
	if h.Purge {
		if err := tx.PurgeDeleted(); err != nil {
			return 0, 0, err
		}
	}
	return removed, added, nil
}

func (h *Harvester) updateItems(ctx context.Context) ([]string, error) {
	log.Debug("Looking for added and removed items")

	// The provider may yield duplicates.
	seen := make(map[string]bool)
	for identifier, err := range h.provider.Identifiers(ctx) {
		if err != nil {
			return nil, &Error{Step: "items", Err: err}
		}
		seen[identifier] = true
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, &Error{Step: "items", Err: err}
	}
	removed, added, err := h.reconcileItems(tx, seen)
	if err != nil {
		_ = tx.Rollback()
		return nil, &Error{Step: "items", Err: err}
	}
	if err := h.finish(tx); err != nil {
		return nil, &Error{Step: "items", Err: err}
	}
	log.Info("Updated items", "removed", removed, "added", added)

	identifiers := make([]string, 0, len(seen))
	for identifier := range seen {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers, nil
}

func (h *Harvester) reconcileItems(tx registrystore.Tx, current map[string]bool) (removed, added int, err error) {
	old, err := tx.ListItems(true)
	if err != nil {
		return 0, 0, err
	}
	known := make(map[string]bool, len(old))
	for _, item := range old {
		known[item.Identifier] = true
		if !current[item.Identifier] {
			if err := tx.MarkItemDeleted(item.Identifier); err != nil {
				return 0, 0, err
			}
			removed++
		}
	}
	for identifier := range current {
		if _, err := tx.CreateOrUpdateItem(identifier); err != nil {
			return 0, 0, err
		}
		if !known[identifier] {
			added++
		}
	}
	if h.Purge {
		if err := tx.PurgeDeleted(); err != nil {
			return 0, 0, err
		}
	}
	return removed, added, nil
}

// updateRecords refreshes the set memberships and records of each item.
// Failures are confined to the item or record they occur on.
func (h *Harvester) updateRecords(ctx context.Context, identifiers, prefixes []string) {
	if h.Since != nil {
		log.Info("Updating records", "since", *h.Since)
	} else {
		log.Info("Updating all records")
	}

	updated := 0
	for _, identifier := range identifiers {
		if h.Since != nil {
			changed, err := h.provider.HasChanged(ctx, identifier, *h.Since)
			if err != nil {
				log.Error("Failed to check item for changes", "identifier", identifier, "err", err)
				continue
			}
			if !changed {
				continue
			}
		}
		log.Debug("Updating item", "identifier", identifier)

		if err := h.updateSets(ctx, identifier); err != nil {
			log.Error("Failed to update sets", "identifier", identifier, "err", err)
			continue
		}

		for _, prefix := range prefixes {
			ok, err := h.updateRecord(ctx, identifier, prefix)
			if err != nil {
				countRecord("failed")
				log.Error("Failed to update record",
					"identifier", identifier, "prefix", prefix, "err", err)
				continue
			}
			if ok {
				countRecord("updated")
				updated++
			} else {
				countRecord("deleted")
			}
		}
	}
	log.Info("Updated records", "count", updated)
}

// updateRecord writes one identifier-prefix unit in its own transaction so a
// long harvest never holds a database lock for long. Returns true when the
// record was disseminated, false when it was tombstoned.
func (h *Harvester) updateRecord(ctx context.Context, identifier, prefix string) (bool, error) {
	xml, ok, err := h.provider.Record(ctx, identifier, prefix)
	if err != nil {
		return false, err
	}
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		_, err = tx.CreateOrUpdateRecord(identifier, prefix, xml)
	} else {
		err = tx.MarkRecordsDeleted(&identifier, &prefix)
	}
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	return ok, h.finish(tx)
}

// updateSets replaces the item's set memberships, creating any set rows the
// provider names. Ancestors missing from the hierarchy are synthesized so
// ListSets always exposes a complete tree.
func (h *Harvester) updateSets(ctx context.Context, identifier string) error {
	memberships, err := h.provider.Sets(ctx, identifier)
	if err != nil {
		return err
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := h.reconcileSets(tx, identifier, memberships); err != nil {
		_ = tx.Rollback()
		return err
	}
	return h.finish(tx)
}

func (h *Harvester) reconcileSets(tx registrystore.Tx, identifier string, memberships []registryprovider.SetMembership) error {
	if err := tx.ClearItemSets(identifier); err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}

	named := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		named[m.Spec] = true
	}

	// Parents before children.
	sort.SliceStable(memberships, func(i, j int) bool {
		return strings.Count(memberships[i].Spec, ":") < strings.Count(memberships[j].Spec, ":")
	})
	for _, m := range memberships {
		for _, parent := range model.ParentSpecs(m.Spec) {
			if named[parent] {
				continue
			}
			named[parent] = true
			if _, err := tx.CreateOrUpdateSet(parent, leafSegment(parent)); err != nil {
				return err
			}
		}
		if _, err := tx.CreateOrUpdateSet(m.Spec, m.Name); err != nil {
			return err
		}
		if err := tx.AddItemToSet(identifier, m.Spec); err != nil {
			return err
		}
	}
	return nil
}

// purge hard-removes any rows tombstoned during the record phase.
func (h *Harvester) purge(ctx context.Context) error {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.PurgeDeleted(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return h.finish(tx)
}

func leafSegment(spec string) string {
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		return spec[i+1:]
	}
	return spec
}

func countRecord(outcome string) {
	if telemetry.HarvestRecordsTotal != nil {
		telemetry.HarvestRecordsTotal.WithLabelValues(outcome).Inc()
	}
}
