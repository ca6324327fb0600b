// Package xmlcheck validates metadata payloads before they are stored.
package xmlcheck

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

// Check verifies that the payload is well-formed XML, that its root element
// lives in the given namespace, and that its xsi:schemaLocation lists the
// given schema URL.
func Check(xml, namespace, schema string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return fmt.Errorf("not well-formed: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("no root element")
	}
	if ns := root.NamespaceURI(); ns != namespace {
		return fmt.Errorf("wrong xml namespace: %q", ns)
	}
	locations := schemaLocation(root)
	if locations == "" {
		return fmt.Errorf("no schema location")
	}
	for _, token := range strings.Fields(locations) {
		if token == schema {
			return nil
		}
	}
	return fmt.Errorf("wrong schema location: %q", locations)
}

// CheckDescription verifies a repository description fragment: well-formed
// and carrying an xsi:schemaLocation, as the Identify response requires.
func CheckDescription(xml string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return fmt.Errorf("not well-formed: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("no root element")
	}
	if schemaLocation(root) == "" {
		return fmt.Errorf("no schema location")
	}
	return nil
}

func schemaLocation(root *etree.Element) string {
	for _, attr := range root.Attr {
		if attr.Key != "schemaLocation" {
			continue
		}
		if attr.NamespaceURI() == xsiNamespace {
			return attr.Value
		}
	}
	return ""
}
