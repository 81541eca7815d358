// Package docschema validates that a document payload staged into the
// WAL carries the tombstone marker and attachments map the data model
// requires (even when empty), and canonicalizes documents for
// conflict comparison. Folder-path validation lives in drivelayout.
package docschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["attachments", "tombstone"],
	"properties": {
		"attachments": { "type": "object" },
		"tombstone": { "type": "boolean" }
	}
}`

var documentSchema *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("docschema: invalid embedded schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("document.json", doc); err != nil {
		panic(fmt.Sprintf("docschema: invalid embedded schema: %v", err))
	}
	sch, err := compiler.Compile("document.json")
	if err != nil {
		panic(fmt.Sprintf("docschema: compile embedded schema: %v", err))
	}
	documentSchema = sch
}

// ValidateDocument checks that raw decodes into an object carrying
// both "tombstone" and "attachments" fields, per the data model
// invariant that both are present even when the document has never
// had an attachment or a delete.
func ValidateDocument(raw []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("docschema: decode document: %w", err)
	}
	if err := documentSchema.Validate(value); err != nil {
		return fmt.Errorf("docschema: document missing tombstone/attachments: %w", err)
	}
	return nil
}

// Canonicalize re-encodes raw with deterministic key ordering so
// WAL conflict detection compares documents by content rather than by
// incidental JSON key order.
func Canonicalize(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("docschema: decode for canonicalization: %w", err)
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("docschema: marshal canonical form: %w", err)
	}
	return out, nil
}

// EqualModuloOrder reports whether a and b are the same document once
// normalized by canonical JSON, ignoring field order.
func EqualModuloOrder(a, b []byte) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
