package model

import (
	"time"
)

// Dublin Core in the oai_dc envelope. Every OAI-PMH repository must offer it.
const (
	OAIDCPrefix    = "oai_dc"
	OAIDCNamespace = "http://www.openarchives.org/OAI/2.0/oai_dc/"
	OAIDCSchema    = "http://www.openarchives.org/OAI/2.0/oai_dc.xsd"
)

// Format is a metadata serialization identified by its prefix.
type Format struct {
	Prefix    string `gorm:"primaryKey"`
	Namespace string `gorm:"not null"`
	Schema    string `gorm:"not null"`
	Deleted   bool   `gorm:"not null"`
}

func (Format) TableName() string { return "formats" }

// Item is the abstract resource identified by an OAI identifier. An item may
// have zero or more records across formats.
type Item struct {
	Identifier string `gorm:"primaryKey"`
	Deleted    bool   `gorm:"not null"`
}

func (Item) TableName() string { return "items" }

// Record is one metadata document for one item in one format. A soft-deleted
// record is a tombstone: Deleted is true and XML is null.
type Record struct {
	Identifier string    `gorm:"primaryKey"`
	Prefix     string    `gorm:"primaryKey"`
	Datestamp  time.Time `gorm:"not null"`
	XML        *string   `gorm:"column:xml"`
	Deleted    bool      `gorm:"not null"`

	// Populated by the store for header rendering: the minimal antichain of
	// set specs the record's item belongs to.
	SetSpecs []string `gorm:"-"`
}

func (Record) TableName() string { return "records" }

// Set is a named grouping of items. Specs form a colon-separated hierarchy.
type Set struct {
	Spec string `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

func (Set) TableName() string { return "sets" }

// ItemSetLink joins items to sets.
type ItemSetLink struct {
	ItemIdentifier string `gorm:"primaryKey"`
	SetSpec        string `gorm:"primaryKey"`
}

func (ItemSetLink) TableName() string { return "item_sets" }

// Datestamp is the single-row "database last changed" clock. Every mutation
// that could invalidate an outstanding resumption token advances it.
type Datestamp struct {
	Datestamp time.Time `gorm:"primaryKey"`
}

func (Datestamp) TableName() string { return "datestamp" }

// ParentSpecs returns the proper ancestors of a set spec, nearest last.
// For "a:b:c" it returns ["a", "a:b"].
func ParentSpecs(spec string) []string {
	var parents []string
	for i, r := range spec {
		if r == ':' {
			parents = append(parents, spec[:i])
		}
	}
	return parents
}
