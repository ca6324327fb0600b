package oaipmh

import (
	"encoding/xml"

	"github.com/chirino/oai-service/internal/model"
	"github.com/chirino/oai-service/internal/oai"
)

const (
	oaiNamespace      = "http://www.openarchives.org/OAI/2.0/"
	xsiNamespace      = "http://www.w3.org/2001/XMLSchema-instance"
	oaiSchemaLocation = "http://www.openarchives.org/OAI/2.0/ http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd"

	protocolVersion = "2.0"
	granularity     = "YYYY-MM-DDThh:mm:ssZ"
)

type document struct {
	XMLName        xml.Name `xml:"OAI-PMH"`
	Namespace      string   `xml:"xmlns,attr"`
	XSINamespace   string   `xml:"xmlns:xsi,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`

	ResponseDate string      `xml:"responseDate"`
	Request      requestNode `xml:"request"`

	Error *errorNode `xml:"error"`

	Identify            *identifyNode        `xml:"Identify"`
	ListMetadataFormats *listFormatsNode     `xml:"ListMetadataFormats"`
	ListSets            *listSetsNode        `xml:"ListSets"`
	GetRecord           *getRecordNode       `xml:"GetRecord"`
	ListIdentifiers     *listIdentifiersNode `xml:"ListIdentifiers"`
	ListRecords         *listRecordsNode     `xml:"ListRecords"`
}

type requestNode struct {
	Verb            string `xml:"verb,attr,omitempty"`
	Identifier      string `xml:"identifier,attr,omitempty"`
	MetadataPrefix  string `xml:"metadataPrefix,attr,omitempty"`
	From            string `xml:"from,attr,omitempty"`
	Until           string `xml:"until,attr,omitempty"`
	Set             string `xml:"set,attr,omitempty"`
	ResumptionToken string `xml:"resumptionToken,attr,omitempty"`
	BaseURL         string `xml:",chardata"`
}

type errorNode struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type descriptionNode struct {
	Body string `xml:",innerxml"`
}

type identifyNode struct {
	RepositoryName    string            `xml:"repositoryName"`
	BaseURL           string            `xml:"baseURL"`
	ProtocolVersion   string            `xml:"protocolVersion"`
	AdminEmails       []string          `xml:"adminEmail"`
	EarliestDatestamp string            `xml:"earliestDatestamp"`
	DeletedRecord     string            `xml:"deletedRecord"`
	Granularity       string            `xml:"granularity"`
	Descriptions      []descriptionNode `xml:"description"`
}

type metadataFormatNode struct {
	MetadataPrefix    string `xml:"metadataPrefix"`
	Schema            string `xml:"schema"`
	MetadataNamespace string `xml:"metadataNamespace"`
}

type listFormatsNode struct {
	Formats []metadataFormatNode `xml:"metadataFormat"`
}

type setNode struct {
	SetSpec string `xml:"setSpec"`
	SetName string `xml:"setName"`
}

type listSetsNode struct {
	Sets []setNode `xml:"set"`
}

type headerNode struct {
	Status     string   `xml:"status,attr,omitempty"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type metadataNode struct {
	Body string `xml:",innerxml"`
}

type recordNode struct {
	Header   headerNode    `xml:"header"`
	Metadata *metadataNode `xml:"metadata"`
}

type getRecordNode struct {
	Record recordNode `xml:"record"`
}

type listIdentifiersNode struct {
	Headers []headerNode `xml:"header"`
	// A nil token is omitted; an empty one closes a resumed list.
	Token *string `xml:"resumptionToken"`
}

type listRecordsNode struct {
	Records []recordNode `xml:"record"`
	Token   *string      `xml:"resumptionToken"`
}

// Render serializes an engine response into a complete OAI-PMH document.
func Render(resp *oai.Response, baseURL string) ([]byte, error) {
	doc := document{
		Namespace:      oaiNamespace,
		XSINamespace:   xsiNamespace,
		SchemaLocation: oaiSchemaLocation,
		ResponseDate:   oai.FormatDatestamp(resp.ResponseTime),
		Request: requestNode{
			Verb:            resp.Attributes["verb"],
			Identifier:      resp.Attributes["identifier"],
			MetadataPrefix:  resp.Attributes["metadataPrefix"],
			From:            resp.Attributes["from"],
			Until:           resp.Attributes["until"],
			Set:             resp.Attributes["set"],
			ResumptionToken: resp.Attributes["resumptionToken"],
			BaseURL:         baseURL,
		},
	}

	switch {
	case resp.Error != nil:
		doc.Error = &errorNode{Code: resp.Error.Code, Message: resp.Error.Message}
	case resp.Identify != nil:
		doc.Identify = identifyOf(resp.Identify, baseURL)
	case resp.Verb == oai.VerbListMetadataFormats:
		doc.ListMetadataFormats = formatsOf(resp.Formats)
	case resp.Verb == oai.VerbListSets:
		doc.ListSets = setsOf(resp.Sets)
	case resp.Verb == oai.VerbGetRecord:
		doc.GetRecord = &getRecordNode{Record: recordOf(&resp.Records[0])}
	case resp.Verb == oai.VerbListIdentifiers:
		node := &listIdentifiersNode{Token: resp.Token}
		for i := range resp.Records {
			node.Headers = append(node.Headers, headerOf(&resp.Records[i]))
		}
		doc.ListIdentifiers = node
	case resp.Verb == oai.VerbListRecords:
		node := &listRecordsNode{Token: resp.Token}
		for i := range resp.Records {
			node.Records = append(node.Records, recordOf(&resp.Records[i]))
		}
		doc.ListRecords = node
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func identifyOf(info *oai.IdentifyInfo, baseURL string) *identifyNode {
	node := &identifyNode{
		RepositoryName:    info.RepositoryName,
		BaseURL:           baseURL,
		ProtocolVersion:   protocolVersion,
		AdminEmails:       info.AdminEmails,
		EarliestDatestamp: oai.FormatDatestamp(info.EarliestDatestamp),
		DeletedRecord:     info.DeletedRecords,
		Granularity:       granularity,
	}
	for _, d := range info.Descriptions {
		node.Descriptions = append(node.Descriptions, descriptionNode{Body: d})
	}
	return node
}

func formatsOf(formats []model.Format) *listFormatsNode {
	node := &listFormatsNode{}
	for _, f := range formats {
		node.Formats = append(node.Formats, metadataFormatNode{
			MetadataPrefix:    f.Prefix,
			Schema:            f.Schema,
			MetadataNamespace: f.Namespace,
		})
	}
	return node
}

func setsOf(sets []model.Set) *listSetsNode {
	node := &listSetsNode{}
	for _, s := range sets {
		node.Sets = append(node.Sets, setNode{SetSpec: s.Spec, SetName: s.Name})
	}
	return node
}

func headerOf(r *model.Record) headerNode {
	node := headerNode{
		Identifier: r.Identifier,
		Datestamp:  oai.FormatDatestamp(r.Datestamp),
		SetSpecs:   r.SetSpecs,
	}
	if r.Deleted {
		node.Status = "deleted"
	}
	return node
}

func recordOf(r *model.Record) recordNode {
	node := recordNode{Header: headerOf(r)}
	if !r.Deleted && r.XML != nil {
		node.Metadata = &metadataNode{Body: *r.XML}
	}
	return node
}
