// Package skeleton is a minimal metadata provider: one item, one format,
// a two-level set hierarchy. Useful as a wiring check and as the template
// for writing a real provider.
package skeleton

import (
	"context"
	"iter"
	"time"

	"github.com/chirino/oai-service/internal/model"
	registryprovider "github.com/chirino/oai-service/internal/registry/provider"
)

const exampleRecord = `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"
           xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
           xmlns:dc="http://purl.org/dc/elements/1.1/"
           xsi:schemaLocation="http://www.openarchives.org/OAI/2.0/oai_dc/
                               http://www.openarchives.org/OAI/2.0/oai_dc.xsd">
    <dc:title>Example Record</dc:title>
</oai_dc:dc>`

func init() {
	registryprovider.Register(registryprovider.Plugin{
		Name: "skeleton",
		Factory: func(args []string) (registryprovider.MetadataProvider, error) {
			return &provider{}, nil
		},
	})
}

type provider struct{}

func (p *provider) Formats(ctx context.Context) (map[string]registryprovider.FormatSpec, error) {
	// Dublin Core support is mandatory for every repository.
	return map[string]registryprovider.FormatSpec{
		model.OAIDCPrefix: {Namespace: model.OAIDCNamespace, Schema: model.OAIDCSchema},
	}, nil
}

func (p *provider) Identifiers(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("oai:example.org:123", nil)
	}
}

func (p *provider) HasChanged(ctx context.Context, identifier string, since time.Time) (bool, error) {
	return false, nil
}

func (p *provider) Sets(ctx context.Context, identifier string) ([]registryprovider.SetMembership, error) {
	return []registryprovider.SetMembership{
		{Spec: "example", Name: "Example Set"},
		{Spec: "example:example", Name: "Example Subset"},
	}, nil
}

func (p *provider) Record(ctx context.Context, identifier, prefix string) (string, bool, error) {
	return exampleRecord, true, nil
}
