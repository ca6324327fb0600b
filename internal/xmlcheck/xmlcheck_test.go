package xmlcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	dcNamespace = "http://www.openarchives.org/OAI/2.0/oai_dc/"
	dcSchema    = "http://www.openarchives.org/OAI/2.0/oai_dc.xsd"
)

const validDC = `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"
    xmlns:dc="http://purl.org/dc/elements/1.1/"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
    xsi:schemaLocation="http://www.openarchives.org/OAI/2.0/oai_dc/
                        http://www.openarchives.org/OAI/2.0/oai_dc.xsd">
  <dc:title>A title</dc:title>
</oai_dc:dc>`

func TestCheck(t *testing.T) {
	t.Run("accepts a valid payload", func(t *testing.T) {
		require.NoError(t, Check(validDC, dcNamespace, dcSchema))
	})

	t.Run("rejects malformed xml", func(t *testing.T) {
		require.Error(t, Check("<unclosed>", dcNamespace, dcSchema))
		require.Error(t, Check("not xml at all", dcNamespace, dcSchema))
	})

	t.Run("rejects a wrong root namespace", func(t *testing.T) {
		err := Check(validDC, "http://example.org/other", dcSchema)
		require.ErrorContains(t, err, "wrong xml namespace")
	})

	t.Run("rejects a missing schema location", func(t *testing.T) {
		payload := `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"/>`
		err := Check(payload, dcNamespace, dcSchema)
		require.ErrorContains(t, err, "no schema location")
	})

	t.Run("rejects a schema location without the schema", func(t *testing.T) {
		err := Check(validDC, dcNamespace, "http://example.org/other.xsd")
		require.ErrorContains(t, err, "wrong schema location")
	})
}

func TestCheckDescription(t *testing.T) {
	t.Run("accepts a fragment with a schema location", func(t *testing.T) {
		require.NoError(t, CheckDescription(validDC))
	})

	t.Run("rejects a fragment without one", func(t *testing.T) {
		require.Error(t, CheckDescription(`<description xmlns="http://example.org/d"/>`))
	})

	t.Run("rejects malformed xml", func(t *testing.T) {
		require.Error(t, CheckDescription("<broken"))
	})
}
