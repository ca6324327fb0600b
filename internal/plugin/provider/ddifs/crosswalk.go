package ddifs

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/chirino/oai-service/internal/model"
)

const dcNamespace = "http://purl.org/dc/elements/1.1/"

// The DDI Version 2 to Dublin Core element crosswalk
// (http://www.ddialliance.org/resources/tools/dc). Paths are relative to the
// codeBook root.
var crosswalk = []struct {
	dc    string
	paths []string
}{
	{"title", []string{"stdyDscr/citation/titlStmt/titl"}},
	{"creator", []string{"stdyDscr/citation/rspStmt/AuthEnty"}},
	{"subject", []string{
		"stdyDscr/stdyInfo/subject/keyword",
		"stdyDscr/stdyInfo/subject/topcClas",
	}},
	{"description", []string{"stdyDscr/stdyInfo/abstract/p"}},
	{"publisher", []string{"stdyDscr/citation/prodStmt/producer"}},
	{"contributor", []string{"stdyDscr/citation/rspStmt/othId/p"}},
	{"date", []string{"stdyDscr/citation/prodStmt/prodDate"}},
	{"type", []string{"stdyDscr/stdyInfo/sumDscr/dataKind"}},
	{"format", []string{"fileDscr/fileTxt/fileType"}},
	{"identifier", []string{"stdyDscr/citation/titlStmt/IDNo"}},
	{"source", []string{"stdyDscr/method/dataColl/sources/dataSrc"}},
	{"relation", []string{
		"stdyDscr/othrStdyMat/relMat",
		"stdyDscr/othrStdyMat/relStdy",
		"stdyDscr/othrStdyMat/relPubl",
	}},
	{"coverage", []string{
		"stdyDscr/stdyInfo/sumDscr/timePrd",
		"stdyDscr/stdyInfo/sumDscr/collDate",
		"stdyDscr/stdyInfo/sumDscr/nation",
		"stdyDscr/stdyInfo/sumDscr/geogCover",
	}},
	{"rights", []string{"stdyDscr/citation/prodStmt/copyright"}},
}

// ConvertToDC crosswalks a parsed DDI Codebook document into an oai_dc
// fragment suitable for storing as record metadata.
func ConvertToDC(doc *etree.Document) (string, error) {
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("no root element")
	}

	out := etree.NewDocument()
	dc := out.CreateElement("oai_dc:dc")
	dc.CreateAttr("xmlns:oai_dc", model.OAIDCNamespace)
	dc.CreateAttr("xmlns:dc", dcNamespace)
	dc.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	dc.CreateAttr("xsi:schemaLocation", model.OAIDCNamespace+" "+model.OAIDCSchema)

	for _, field := range crosswalk {
		for _, path := range field.paths {
			for _, element := range root.FindElements("./" + path) {
				text := strings.TrimSpace(element.Text())
				if text == "" {
					continue
				}
				dc.CreateElement("dc:" + field.dc).SetText(text)
			}
		}
	}

	out.Indent(2)
	return out.WriteToString()
}
