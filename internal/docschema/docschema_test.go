package docschema

import "testing"

func TestValidateDocumentRequiresTombstoneAndAttachments(t *testing.T) {
	if err := ValidateDocument([]byte(`{"tombstone": false, "attachments": {}}`)); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}
	if err := ValidateDocument([]byte(`{"tombstone": false}`)); err == nil {
		t.Fatalf("expected missing attachments to be rejected")
	}
	if err := ValidateDocument([]byte(`{"attachments": {}}`)); err == nil {
		t.Fatalf("expected missing tombstone to be rejected")
	}
}

func TestEqualModuloOrderIgnoresKeyOrder(t *testing.T) {
	a := []byte(`{"tombstone": false, "attachments": {}, "name": "x"}`)
	b := []byte(`{"name": "x", "attachments": {}, "tombstone": false}`)
	equal, err := EqualModuloOrder(a, b)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !equal {
		t.Fatalf("expected documents differing only in key order to be equal")
	}

	c := []byte(`{"name": "y", "attachments": {}, "tombstone": false}`)
	equal, err = EqualModuloOrder(a, c)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if equal {
		t.Fatalf("expected documents with different content to differ")
	}
}
