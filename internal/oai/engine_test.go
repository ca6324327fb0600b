package oai

import (
	"fmt"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/oai-service/internal/config"
	"github.com/chirino/oai-service/internal/model"
	"github.com/chirino/oai-service/internal/plugin/store/gormstore"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// The store clock is pinned to the past so tokens minted at the real current
// time stay valid until a test advances it.
var storeEpoch = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *gormstore.DB) {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	store := gormstore.New(db)
	store.Now = func() time.Time { return storeEpoch }
	require.NoError(t, store.Migrate(t.Context()))
	t.Cleanup(func() { _ = store.Close() })

	engine, err := NewEngine(store, cfg, nil)
	require.NoError(t, err)
	return engine, store
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.RepositoryName = "Test Repository"
	cfg.AdminEmails = "admin@example.org"
	cfg.ItemListLimit = 2
	return cfg
}

func seed(t *testing.T, store *gormstore.DB, fn func(tx registrystore.Tx)) {
	t.Helper()
	tx, err := store.Begin(t.Context())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func seedRecord(t *testing.T, tx registrystore.Tx, identifier, title string) {
	t.Helper()
	_, err := tx.CreateOrUpdateItem(identifier)
	require.NoError(t, err)
	_, err = tx.CreateOrUpdateRecord(identifier, model.OAIDCPrefix, testDC(title))
	require.NoError(t, err)
}

func testDC(title string) string {
	return fmt.Sprintf(`<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"
    xmlns:dc="http://purl.org/dc/elements/1.1/"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
    xsi:schemaLocation="http://www.openarchives.org/OAI/2.0/oai_dc/ http://www.openarchives.org/OAI/2.0/oai_dc.xsd">
  <dc:title>%s</dc:title>
</oai_dc:dc>`, title)
}

func dispatch(t *testing.T, engine *Engine, params url.Values) *Response {
	t.Helper()
	resp, err := engine.Dispatch(t.Context(), params)
	require.NoError(t, err)
	return resp
}

func requireOAIError(t *testing.T, resp *Response, code string) {
	t.Helper()
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code)
}

func TestDispatchVerbHandling(t *testing.T) {
	cfg := testConfig()
	engine, _ := newTestEngine(t, &cfg)

	t.Run("missing verb", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{})
		requireOAIError(t, resp, CodeBadVerb)
		require.Nil(t, resp.Attributes)
	})

	t.Run("repeated verb", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"Identify", "Identify"}})
		requireOAIError(t, resp, CodeBadVerb)
		require.Nil(t, resp.Attributes)
	})

	t.Run("invalid verb", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"EnumerateAll"}})
		requireOAIError(t, resp, CodeBadVerb)
		require.Nil(t, resp.Attributes)
	})

	t.Run("bad argument responses drop the request attributes", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"Identify"}, "bogus": {"x"}})
		requireOAIError(t, resp, CodeBadArgument)
		require.Nil(t, resp.Attributes)
	})
}

func TestIdentify(t *testing.T) {
	cfg := testConfig()
	engine, store := newTestEngine(t, &cfg)

	t.Run("empty repository falls back to the response time", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"Identify"}})
		require.Nil(t, resp.Error)
		require.NotNil(t, resp.Identify)
		require.Equal(t, "Test Repository", resp.Identify.RepositoryName)
		require.Equal(t, []string{"admin@example.org"}, resp.Identify.AdminEmails)
		require.Equal(t, "persistent", resp.Identify.DeletedRecords)
		require.Equal(t, resp.ResponseTime, resp.Identify.EarliestDatestamp)
		require.Equal(t, "Identify", resp.Attributes["verb"])
	})

	t.Run("earliest datestamp comes from the records", func(t *testing.T) {
		seed(t, store, func(tx registrystore.Tx) {
			seedRecord(t, tx, "oai:example.org:1", "one")
		})
		resp := dispatch(t, engine, url.Values{"verb": {"Identify"}})
		require.Nil(t, resp.Error)
		require.WithinDuration(t, storeEpoch, resp.Identify.EarliestDatestamp, 0)
	})
}

func TestListMetadataFormats(t *testing.T) {
	cfg := testConfig()
	engine, store := newTestEngine(t, &cfg)
	seed(t, store, func(tx registrystore.Tx) {
		_, err := tx.CreateOrUpdateFormat("other", "http://example.org/ns", "http://example.org/other.xsd")
		require.NoError(t, err)
		seedRecord(t, tx, "oai:example.org:1", "one")
		_, err = tx.CreateOrUpdateItem("oai:example.org:bare")
		require.NoError(t, err)
	})

	t.Run("lists all formats", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListMetadataFormats"}})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Formats, 2)
	})

	t.Run("restricts to the item's formats", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":       {"ListMetadataFormats"},
			"identifier": {"oai:example.org:1"},
		})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Formats, 1)
		require.Equal(t, model.OAIDCPrefix, resp.Formats[0].Prefix)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":       {"ListMetadataFormats"},
			"identifier": {"oai:example.org:nope"},
		})
		requireOAIError(t, resp, CodeIDDoesNotExist)
	})

	t.Run("item without records", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":       {"ListMetadataFormats"},
			"identifier": {"oai:example.org:bare"},
		})
		requireOAIError(t, resp, CodeNoMetadataFormats)
	})
}

func TestListSets(t *testing.T) {
	cfg := testConfig()
	engine, store := newTestEngine(t, &cfg)

	t.Run("no sets means no hierarchy", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListSets"}})
		requireOAIError(t, resp, CodeNoSetHierarchy)
	})

	t.Run("lists the sets", func(t *testing.T) {
		seed(t, store, func(tx registrystore.Tx) {
			_, err := tx.CreateOrUpdateSet("social", "Social Sciences")
			require.NoError(t, err)
		})
		resp := dispatch(t, engine, url.Values{"verb": {"ListSets"}})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Sets, 1)
		require.Equal(t, "social", resp.Sets[0].Spec)
	})

	t.Run("set listings are never resumable", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":            {"ListSets"},
			"resumptionToken": {"anything"},
		})
		requireOAIError(t, resp, CodeBadResumptionToken)
	})
}

func TestGetRecord(t *testing.T) {
	cfg := testConfig()
	engine, store := newTestEngine(t, &cfg)
	seed(t, store, func(tx registrystore.Tx) {
		seedRecord(t, tx, "oai:example.org:1", "one")
		_, err := tx.CreateOrUpdateItem("oai:example.org:bare")
		require.NoError(t, err)
	})

	t.Run("requires identifier and metadataPrefix", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"GetRecord"}, "identifier": {"oai:example.org:1"}})
		requireOAIError(t, resp, CodeBadArgument)
	})

	t.Run("returns the record", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"oai:example.org:1"},
			"metadataPrefix": {"oai_dc"},
		})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Records, 1)
		require.Equal(t, "oai:example.org:1", resp.Records[0].Identifier)
		require.NotNil(t, resp.Records[0].XML)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"oai:example.org:nope"},
			"metadataPrefix": {"oai_dc"},
		})
		requireOAIError(t, resp, CodeIDDoesNotExist)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"oai:example.org:1"},
			"metadataPrefix": {"marcxml"},
		})
		requireOAIError(t, resp, CodeCannotDisseminateFormat)
	})

	t.Run("item without a record in the format", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"oai:example.org:bare"},
			"metadataPrefix": {"oai_dc"},
		})
		requireOAIError(t, resp, CodeCannotDisseminateFormat)
	})

	t.Run("deleted records come back as tombstones", func(t *testing.T) {
		seed(t, store, func(tx registrystore.Tx) {
			require.NoError(t, tx.MarkItemDeleted("oai:example.org:1"))
		})
		resp := dispatch(t, engine, url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"oai:example.org:1"},
			"metadataPrefix": {"oai_dc"},
		})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Records, 1)
		require.True(t, resp.Records[0].Deleted)
		require.Nil(t, resp.Records[0].XML)
	})
}

func TestGetRecordHidesTombstonesUnderNoPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.DeletedRecords = config.DeletedRecordsNo
	engine, store := newTestEngine(t, &cfg)
	seed(t, store, func(tx registrystore.Tx) {
		seedRecord(t, tx, "oai:example.org:1", "one")
		require.NoError(t, tx.MarkItemDeleted("oai:example.org:1"))
	})

	resp := dispatch(t, engine, url.Values{
		"verb":           {"GetRecord"},
		"identifier":     {"oai:example.org:1"},
		"metadataPrefix": {"oai_dc"},
	})
	requireOAIError(t, resp, CodeIDDoesNotExist)
}

func TestListRecords(t *testing.T) {
	cfg := testConfig()
	engine, store := newTestEngine(t, &cfg)
	seed(t, store, func(tx registrystore.Tx) {
		seedRecord(t, tx, "oai:example.org:1", "one")
		seedRecord(t, tx, "oai:example.org:2", "two")
		seedRecord(t, tx, "oai:example.org:3", "three")
	})

	t.Run("requires a metadata prefix", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListRecords"}})
		requireOAIError(t, resp, CodeBadArgument)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "metadataPrefix": {"marcxml"}})
		requireOAIError(t, resp, CodeCannotDisseminateFormat)
	})

	t.Run("pages and resumes to completion", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Records, 2)
		require.NotNil(t, resp.Token)
		require.NotEmpty(t, *resp.Token)

		resp = dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "resumptionToken": {*resp.Token}})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Records, 1)
		require.Equal(t, "oai:example.org:3", resp.Records[0].Identifier)
		require.NotNil(t, resp.Token)
		require.Empty(t, *resp.Token, "the last resumed page carries an empty token")
	})

	t.Run("tokens are bound to their verb", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}})
		require.Nil(t, resp.Error)
		require.NotNil(t, resp.Token)

		resp = dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "resumptionToken": {*resp.Token}})
		requireOAIError(t, resp, CodeBadResumptionToken)
	})

	t.Run("garbage tokens are invalid", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "resumptionToken": {"!!!"}})
		requireOAIError(t, resp, CodeBadResumptionToken)
	})

	t.Run("a token does not allow other arguments", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":            {"ListRecords"},
			"resumptionToken": {"x"},
			"metadataPrefix":  {"oai_dc"},
		})
		requireOAIError(t, resp, CodeBadArgument)
	})

	t.Run("datestamp window", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"ListRecords"},
			"metadataPrefix": {"oai_dc"},
			"from":           {"2019-01-01"},
			"until":          {"2021-01-01"},
		})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Records, 2)
		require.NotNil(t, resp.Token)
	})

	t.Run("empty window", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"ListRecords"},
			"metadataPrefix": {"oai_dc"},
			"until":          {"2010-01-01"},
		})
		requireOAIError(t, resp, CodeNoRecordsMatch)
	})

	t.Run("datestamp argument validation", func(t *testing.T) {
		cases := []url.Values{
			{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "from": {"mangled"}},
			{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "until": {"mangled"}},
			{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "from": {"2020-01-01"}, "until": {"2020-01-02T00:00:00Z"}},
			{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}, "from": {"2021-01-01"}, "until": {"2020-01-01"}},
		}
		for _, params := range cases {
			resp := dispatch(t, engine, params)
			requireOAIError(t, resp, CodeBadArgument)
			require.Nil(t, resp.Attributes)
		}
	})

	t.Run("set argument without a set hierarchy", func(t *testing.T) {
		resp := dispatch(t, engine, url.Values{
			"verb":           {"ListRecords"},
			"metadataPrefix": {"oai_dc"},
			"set":            {"social"},
		})
		requireOAIError(t, resp, CodeNoSetHierarchy)
	})

	t.Run("set filter", func(t *testing.T) {
		seed(t, store, func(tx registrystore.Tx) {
			_, err := tx.CreateOrUpdateSet("social", "Social Sciences")
			require.NoError(t, err)
			require.NoError(t, tx.AddItemToSet("oai:example.org:2", "social"))
		})
		resp := dispatch(t, engine, url.Values{
			"verb":           {"ListRecords"},
			"metadataPrefix": {"oai_dc"},
			"set":            {"social"},
		})
		require.Nil(t, resp.Error)
		require.Len(t, resp.Records, 1)
		require.Equal(t, "oai:example.org:2", resp.Records[0].Identifier)
		require.Equal(t, []string{"social"}, resp.Records[0].SetSpecs)
	})
}

func TestResumptionTokenExpiry(t *testing.T) {
	cfg := testConfig()
	engine, store := newTestEngine(t, &cfg)
	seed(t, store, func(tx registrystore.Tx) {
		seedRecord(t, tx, "oai:example.org:1", "one")
		seedRecord(t, tx, "oai:example.org:2", "two")
		seedRecord(t, tx, "oai:example.org:3", "three")
	})

	resp := dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "metadataPrefix": {"oai_dc"}})
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Token)
	token := *resp.Token

	// A repository modification after issuance invalidates the token.
	store.Now = func() time.Time { return time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC) }
	seed(t, store, func(tx registrystore.Tx) {
		seedRecord(t, tx, "oai:example.org:4", "four")
	})

	resp = dispatch(t, engine, url.Values{"verb": {"ListRecords"}, "resumptionToken": {token}})
	requireOAIError(t, resp, CodeBadResumptionToken)
	require.Contains(t, resp.Error.Message, "expired")
}
