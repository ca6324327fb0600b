package skeleton

import (
	"testing"

	"github.com/chirino/oai-service/internal/model"
	registryprovider "github.com/chirino/oai-service/internal/registry/provider"
	"github.com/chirino/oai-service/internal/xmlcheck"
	"github.com/stretchr/testify/require"
)

func TestSkeletonProvider(t *testing.T) {
	factory, err := registryprovider.Select("skeleton")
	require.NoError(t, err)
	p, err := factory(nil)
	require.NoError(t, err)

	formats, err := p.Formats(t.Context())
	require.NoError(t, err)
	require.Contains(t, formats, model.OAIDCPrefix)

	var ids []string
	for id, err := range p.Identifiers(t.Context()) {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, []string{"oai:example.org:123"}, ids)

	xml, ok, err := p.Record(t.Context(), ids[0], model.OAIDCPrefix)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, xmlcheck.Check(xml, model.OAIDCNamespace, model.OAIDCSchema))

	sets, err := p.Sets(t.Context(), ids[0])
	require.NoError(t, err)
	require.Len(t, sets, 2)
}
