package provider

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// FormatSpec describes one metadata format offered by a provider.
type FormatSpec struct {
	Namespace string
	Schema    string
}

// SetMembership names one set an item belongs to.
type SetMembership struct {
	Spec string
	Name string
}

// MetadataProvider is the contract implemented by ingesters the importer
// harvests from.
type MetadataProvider interface {
	// Formats returns the available metadata formats keyed by prefix.
	// Must be non-empty.
	Formats(ctx context.Context) (map[string]FormatSpec, error)

	// Identifiers yields the OAI identifiers of all items. The sequence may
	// contain duplicates; a non-nil error value aborts the harvest.
	Identifiers(ctx context.Context) iter.Seq2[string, error]

	// HasChanged reports whether the item has changed since the given time.
	HasChanged(ctx context.Context, identifier string, since time.Time) (bool, error)

	// Sets returns the set memberships of an item. For hierarchical sets the
	// provider should include every ancestor; missing ancestors are
	// synthesized by the importer.
	Sets(ctx context.Context, identifier string) ([]SetMembership, error)

	// Record disseminates the item in the given format. ok is false when the
	// format is not available for the item, which the importer turns into a
	// deletion tombstone.
	Record(ctx context.Context, identifier, prefix string) (xml string, ok bool, err error)
}

// Factory creates a MetadataProvider from the whitespace-split
// --provider-args list.
type Factory func(args []string) (MetadataProvider, error)

// Plugin represents a metadata provider plugin.
type Plugin struct {
	Name    string
	Factory Factory
}

var plugins []Plugin

// Register adds a provider plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the factory for the named provider.
func Select(name string) (Factory, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Factory, nil
		}
	}
	return nil, fmt.Errorf("unknown metadata provider %q; valid: %v", name, Names())
}
