package schemavalidation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func loadFixture(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "signature-bundle-v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return doc
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSignatureBundleFixture(t *testing.T) {
	if err := Validate(SignatureBundleV1, encode(t, loadFixture(t))); err != nil {
		t.Fatalf("fixture should validate: %v", err)
	}
}

func TestSignatureBundleNullCertificate(t *testing.T) {
	doc := loadFixture(t)
	doc["certificate"] = nil
	if err := Validate(SignatureBundleV1, encode(t, doc)); err != nil {
		t.Fatalf("bundle without certificate should validate: %v", err)
	}
}

func TestSignatureBundleRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{"missing signature", func(doc map[string]any) { delete(doc, "signature") }},
		{"unknown top-level field", func(doc map[string]any) { doc["extra"] = true }},
		{"wrong version", func(doc map[string]any) { doc["version"] = "2.0" }},
		{"uppercase data hash", func(doc map[string]any) {
			doc["signature"].(map[string]any)["dataHash"] = "3A6EB0790F39AC87C94F3856B2DD2C5D110E6811602261A9A923D3BB23ADC8B7"
		}},
		{"bad timestamp", func(doc map[string]any) { doc["exportedAt"] = "yesterday" }},
		{"bad severity", func(doc map[string]any) {
			doc["auditTrail"].([]any)[0].(map[string]any)["severity"] = "critical"
		}},
		{"short serial", func(doc map[string]any) {
			doc["certificate"].(map[string]any)["serialNumber"] = "ABC"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := loadFixture(t)
			tc.mutate(doc)
			if err := Validate(SignatureBundleV1, encode(t, doc)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestUnknownSchema(t *testing.T) {
	if err := Validate("nope", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestMalformedInstance(t *testing.T) {
	if err := Validate(SignatureBundleV1, []byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}
