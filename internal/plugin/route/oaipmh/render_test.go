package oaipmh

import (
	"strings"
	"testing"
	"time"

	"github.com/chirino/oai-service/internal/model"
	"github.com/chirino/oai-service/internal/oai"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://repo.example.org/oai"

var responseTime = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

func render(t *testing.T, resp *oai.Response) string {
	t.Helper()
	body, err := Render(resp, baseURL)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.HasPrefix(text, `<?xml version="1.0" encoding="UTF-8"?>`))
	require.Contains(t, text, `xmlns="http://www.openarchives.org/OAI/2.0/"`)
	require.Contains(t, text, "<responseDate>2020-01-01T12:00:00Z</responseDate>")
	return text
}

func TestRenderIdentify(t *testing.T) {
	text := render(t, &oai.Response{
		ResponseTime: responseTime,
		Verb:         oai.VerbIdentify,
		Attributes:   map[string]string{"verb": "Identify"},
		Identify: &oai.IdentifyInfo{
			RepositoryName:    "Test Repository",
			AdminEmails:       []string{"admin@example.org"},
			EarliestDatestamp: time.Date(2015, 6, 30, 0, 0, 0, 0, time.UTC),
			DeletedRecords:    "persistent",
			Descriptions:      []string{`<oai-identifier xmlns="http://www.openarchives.org/OAI/2.0/oai-identifier"/>`},
		},
	})

	require.Contains(t, text, `<request verb="Identify">http://repo.example.org/oai</request>`)
	require.Contains(t, text, "<repositoryName>Test Repository</repositoryName>")
	require.Contains(t, text, "<baseURL>http://repo.example.org/oai</baseURL>")
	require.Contains(t, text, "<protocolVersion>2.0</protocolVersion>")
	require.Contains(t, text, "<adminEmail>admin@example.org</adminEmail>")
	require.Contains(t, text, "<earliestDatestamp>2015-06-30T00:00:00Z</earliestDatestamp>")
	require.Contains(t, text, "<deletedRecord>persistent</deletedRecord>")
	require.Contains(t, text, "<granularity>YYYY-MM-DDThh:mm:ssZ</granularity>")
	// Description fragments are embedded verbatim, not escaped.
	require.Contains(t, text, `<description><oai-identifier xmlns="http://www.openarchives.org/OAI/2.0/oai-identifier"/></description>`)
}

func TestRenderError(t *testing.T) {
	text := render(t, &oai.Response{
		ResponseTime: responseTime,
		Verb:         "EnumerateAll",
		Error:        &oai.Error{Code: "badVerb", Message: "Invalid verb"},
	})

	require.Contains(t, text, `<error code="badVerb">Invalid verb</error>`)
	// badVerb responses must not echo the request arguments.
	require.Contains(t, text, "<request>http://repo.example.org/oai</request>")
}

func TestRenderGetRecord(t *testing.T) {
	payload := `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"><dc:title>One</dc:title></oai_dc:dc>`

	t.Run("live record", func(t *testing.T) {
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbGetRecord,
			Attributes: map[string]string{
				"verb":           "GetRecord",
				"identifier":     "oai:example.org:1",
				"metadataPrefix": "oai_dc",
			},
			Records: []model.Record{{
				Identifier: "oai:example.org:1",
				Prefix:     "oai_dc",
				Datestamp:  responseTime,
				XML:        &payload,
				SetSpecs:   []string{"social"},
			}},
		})

		require.Contains(t, text, `verb="GetRecord"`)
		require.Contains(t, text, `identifier="oai:example.org:1"`)
		require.Contains(t, text, "<identifier>oai:example.org:1</identifier>")
		require.Contains(t, text, "<datestamp>2020-01-01T12:00:00Z</datestamp>")
		require.Contains(t, text, "<setSpec>social</setSpec>")
		// The stored payload passes through unescaped.
		require.Contains(t, text, "<dc:title>One</dc:title>")
	})

	t.Run("tombstone", func(t *testing.T) {
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbGetRecord,
			Attributes:   map[string]string{"verb": "GetRecord"},
			Records: []model.Record{{
				Identifier: "oai:example.org:1",
				Prefix:     "oai_dc",
				Datestamp:  responseTime,
				Deleted:    true,
			}},
		})

		require.Contains(t, text, `<header status="deleted">`)
		require.NotContains(t, text, "<metadata>")
	})
}

func TestRenderListVerbs(t *testing.T) {
	payload := `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"><dc:title>One</dc:title></oai_dc:dc>`
	records := []model.Record{{
		Identifier: "oai:example.org:1",
		Prefix:     "oai_dc",
		Datestamp:  responseTime,
		XML:        &payload,
	}}

	t.Run("list identifiers renders headers only", func(t *testing.T) {
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbListIdentifiers,
			Attributes:   map[string]string{"verb": "ListIdentifiers", "metadataPrefix": "oai_dc"},
			Records:      records,
		})

		require.Contains(t, text, "<ListIdentifiers>")
		require.Contains(t, text, "<identifier>oai:example.org:1</identifier>")
		require.NotContains(t, text, "<metadata>")
		require.NotContains(t, text, "<resumptionToken>")
	})

	t.Run("list records carries the token", func(t *testing.T) {
		token := "next-page"
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbListRecords,
			Attributes:   map[string]string{"verb": "ListRecords", "metadataPrefix": "oai_dc"},
			Records:      records,
			Token:        &token,
		})

		require.Contains(t, text, "<ListRecords>")
		require.Contains(t, text, "<dc:title>One</dc:title>")
		require.Contains(t, text, "<resumptionToken>next-page</resumptionToken>")
	})

	t.Run("the final resumed page closes with an empty token", func(t *testing.T) {
		empty := ""
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbListRecords,
			Attributes:   map[string]string{"verb": "ListRecords", "resumptionToken": "spent"},
			Records:      records,
			Token:        &empty,
		})

		require.Contains(t, text, `resumptionToken="spent"`)
		require.Contains(t, text, "<resumptionToken></resumptionToken>")
	})

	t.Run("list sets", func(t *testing.T) {
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbListSets,
			Attributes:   map[string]string{"verb": "ListSets"},
			Sets:         []model.Set{{Spec: "social", Name: "Social Sciences"}},
		})

		require.Contains(t, text, "<setSpec>social</setSpec>")
		require.Contains(t, text, "<setName>Social Sciences</setName>")
	})

	t.Run("list metadata formats", func(t *testing.T) {
		text := render(t, &oai.Response{
			ResponseTime: responseTime,
			Verb:         oai.VerbListMetadataFormats,
			Attributes:   map[string]string{"verb": "ListMetadataFormats"},
			Formats: []model.Format{{
				Prefix:    model.OAIDCPrefix,
				Namespace: model.OAIDCNamespace,
				Schema:    model.OAIDCSchema,
			}},
		})

		require.Contains(t, text, "<metadataPrefix>oai_dc</metadataPrefix>")
		require.Contains(t, text, "<schema>http://www.openarchives.org/OAI/2.0/oai_dc.xsd</schema>")
		require.Contains(t, text, "<metadataNamespace>http://www.openarchives.org/OAI/2.0/oai_dc/</metadataNamespace>")
	})
}
