// Package ddifs provides metadata from a directory of DDI Codebook XML
// files, crosswalked to Dublin Core at harvest time.
package ddifs

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/model"
	registryprovider "github.com/chirino/oai-service/internal/registry/provider"
)

func init() {
	registryprovider.Register(registryprovider.Plugin{
		Name: "ddifs",
		Factory: func(args []string) (registryprovider.MetadataProvider, error) {
			domain, directory := "example.org", "."
			switch len(args) {
			case 0:
			case 1:
				domain = args[0]
			case 2:
				domain, directory = args[0], args[1]
			default:
				return nil, fmt.Errorf("ddifs: expected [domain [directory]], got %d arguments", len(args))
			}
			return &provider{
				idPrefix:  "oai:" + domain + ":",
				directory: directory,
			}, nil
		},
	})
}

type provider struct {
	idPrefix  string
	directory string
}

func (p *provider) Formats(ctx context.Context) (map[string]registryprovider.FormatSpec, error) {
	// Only Dublin Core is produced by the crosswalk.
	return map[string]registryprovider.FormatSpec{
		model.OAIDCPrefix: {Namespace: model.OAIDCNamespace, Schema: model.OAIDCSchema},
	}, nil
}

func (p *provider) Identifiers(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		log.Debug("Scanning directory for XML files", "directory", p.directory)
		count := 0
		err := filepath.WalkDir(p.directory, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".xml") {
				return nil
			}
			count++
			if !yield(p.makeIdentifier(path), nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", err)
			return
		}
		if count == 0 {
			log.Warn("No XML files found", "directory", p.directory)
		}
	}
}

func (p *provider) HasChanged(ctx context.Context, identifier string, since time.Time) (bool, error) {
	path, err := p.pathOf(identifier)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return !info.ModTime().UTC().Before(since), nil
}

func (p *provider) Sets(ctx context.Context, identifier string) ([]registryprovider.SetMembership, error) {
	return nil, nil
}

func (p *provider) Record(ctx context.Context, identifier, prefix string) (string, bool, error) {
	if prefix != model.OAIDCPrefix {
		return "", false, nil
	}
	path, err := p.pathOf(identifier)
	if err != nil {
		return "", false, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return "", false, fmt.Errorf("ddifs: %s: %w", path, err)
	}
	xml, err := ConvertToDC(doc)
	if err != nil {
		return "", false, fmt.Errorf("ddifs: %s: %w", path, err)
	}
	return xml, true, nil
}

func (p *provider) makeIdentifier(path string) string {
	rel := strings.TrimPrefix(path, p.directory+string(filepath.Separator))
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return p.idPrefix + filepath.ToSlash(rel)
}

func (p *provider) pathOf(identifier string) (string, error) {
	rel, ok := strings.CutPrefix(identifier, p.idPrefix)
	if !ok {
		return "", fmt.Errorf("ddifs: invalid identifier %q", identifier)
	}
	return filepath.Join(p.directory, filepath.FromSlash(rel)+".xml"), nil
}
