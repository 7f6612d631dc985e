package transform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
)

func epicPatient() map[string]any {
	return map[string]any{
		"resourceType": "Patient",
		"id":           "pat-1",
		"meta": map[string]any{
			"versionId":   "3",
			"lastUpdated": "2026-02-01T10:30:00Z",
		},
		"name": []any{
			map[string]any{"family": "Rivera", "given": []any{"Ana"}},
		},
		"birthDate": "1984-07-12",
		"gender":    "F",
		"identifier": []any{
			map[string]any{"system": "urn:mrn", "value": "MRN-00042"},
		},
		// Vendor-specific block no mapping claims.
		"extension": []any{
			map[string]any{"url": "http://vendor.example/flag", "valueBoolean": true},
		},
	}
}

func TestToCanonicalPatient(t *testing.T) {
	rec, err := ToCanonical(provider.Epic, "Patient", epicPatient())
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}

	if got := rec.Fields["family_name"]; got != "Rivera" {
		t.Errorf("family_name = %v", got)
	}
	if got := rec.Fields["given_name"]; got != "Ana" {
		t.Errorf("given_name = %v", got)
	}
	if got := rec.Fields["gender"]; got != "female" {
		t.Errorf("gender = %v, want normalized %q", got, "female")
	}
	if got := rec.Fields["mrn"]; got != "MRN-00042" {
		t.Errorf("mrn = %v", got)
	}
	if rec.Provenance.VendorID != "pat-1" || rec.Provenance.VendorVersion != "3" {
		t.Errorf("provenance = %+v", rec.Provenance)
	}
	if rec.Provenance.LastModified.IsZero() {
		t.Error("LastModified not extracted from meta.lastUpdated")
	}
	if _, ok := rec.Extensions["extension"]; !ok {
		t.Error("unmapped vendor block not preserved in extensions")
	}
	if len(rec.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", rec.Warnings)
	}
}

func TestToCanonicalMissingRequiredField(t *testing.T) {
	raw := epicPatient()
	delete(raw, "birthDate")

	_, err := ToCanonical(provider.Epic, "Patient", raw)
	var ime *IncompleteMappingError
	if !errors.As(err, &ime) {
		t.Fatalf("err = %v, want IncompleteMappingError", err)
	}
	if ime.Field != "birth_date" {
		t.Errorf("Field = %q, want birth_date", ime.Field)
	}
	if !queue.IsFatal(err) {
		t.Error("incomplete mapping must be fatal for the job")
	}
}

func TestNormalizerFailureIsWarning(t *testing.T) {
	raw := epicPatient()
	raw["gender"] = "x"

	rec, err := ToCanonical(provider.Epic, "Patient", raw)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if len(rec.Warnings) != 1 || !strings.Contains(rec.Warnings[0], "gender") {
		t.Fatalf("warnings = %v, want one gender warning", rec.Warnings)
	}
	// Raw value survives alongside the warning.
	if got := rec.Fields["gender"]; got != "x" {
		t.Errorf("gender = %v, want raw value kept", got)
	}
}

func TestRoundTripPreservesExtensions(t *testing.T) {
	orig := epicPatient()
	rec, err := ToCanonical(provider.Epic, "Patient", orig)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}

	pushed, err := FromCanonical(provider.Epic, "Patient", rec)
	if err != nil {
		t.Fatalf("FromCanonical: %v", err)
	}

	if pushed["resourceType"] != "Patient" {
		t.Errorf("resourceType = %v", pushed["resourceType"])
	}
	if pushed["id"] != "pat-1" {
		t.Errorf("id = %v, want vendor id restored for same-provider push", pushed["id"])
	}
	if _, ok := pushed["extension"]; !ok {
		t.Error("vendor extension block lost in round trip")
	}
	if v, _ := lookup(pushed, "name.0.family"); v != "Rivera" {
		t.Errorf("name.0.family = %v", v)
	}
	if v, _ := lookup(pushed, "identifier.0.value"); v != "MRN-00042" {
		t.Errorf("identifier.0.value = %v", v)
	}

	// A second pass through ToCanonical lands on identical fields.
	again, err := ToCanonical(provider.Epic, "Patient", pushed)
	if err != nil {
		t.Fatalf("second ToCanonical: %v", err)
	}
	for k, v := range rec.Fields {
		if again.Fields[k] != v {
			t.Errorf("field %s changed across round trip: %v -> %v", k, v, again.Fields[k])
		}
	}
}

func TestCrossVendorPushOmitsForeignID(t *testing.T) {
	rec, err := ToCanonical(provider.Epic, "Patient", epicPatient())
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}

	pushed, err := FromCanonical(provider.Athenahealth, "Patient", rec)
	if err != nil {
		t.Fatalf("FromCanonical: %v", err)
	}
	// An Epic vendor id means nothing to athenahealth; pushing it would
	// collide with an unrelated record.
	if _, ok := pushed["id"]; ok {
		t.Error("foreign vendor id leaked into cross-vendor push")
	}
}

func TestVendorOverrideApplies(t *testing.T) {
	raw := map[string]any{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]any{
			"coding": []any{map[string]any{"code": "2345-7", "display": "Glucose"}},
		},
		"subject":     map[string]any{"reference": "Patient/p1"},
		"valueString": "101",
		"units":       "mg/dl",
	}

	rec, err := ToCanonical(provider.Meditech, "Observation", raw)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if got := rec.Fields["value"]; got != "101" {
		t.Errorf("value = %v, want from valueString override", got)
	}
	if got := rec.Fields["unit"]; got != "mg/dL" {
		t.Errorf("unit = %v, want UCUM-normalized mg/dL", got)
	}
}

func TestUnknownResourceType(t *testing.T) {
	if _, err := ToCanonical(provider.Epic, "Appointment", map[string]any{}); err == nil {
		t.Fatal("expected error for unmapped resource type")
	}
}

func TestBatchBoundedAndOrdered(t *testing.T) {
	payloads := make([]map[string]any, 20)
	for i := range payloads {
		p := epicPatient()
		p["id"] = "pat-" + strings.Repeat("x", i+1)
		payloads[i] = p
	}
	// One poisoned slot in the middle.
	delete(payloads[7], "birthDate")

	results := Batch(context.Background(), provider.Epic, "Patient", payloads, 4)
	if len(results) != len(payloads) {
		t.Fatalf("got %d results, want %d", len(results), len(payloads))
	}
	for i, r := range results {
		if i == 7 {
			var ime *IncompleteMappingError
			if !errors.As(r.Err, &ime) {
				t.Errorf("slot 7: err = %v, want IncompleteMappingError", r.Err)
			}
			continue
		}
		if r.Err != nil {
			t.Errorf("slot %d: %v", i, r.Err)
			continue
		}
		if r.Record.Provenance.VendorID != payloads[i]["id"] {
			t.Errorf("slot %d: result out of order", i)
		}
	}
}

func TestNormalizeDateFormats(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1984-07-12", "1984-07-12"},
		{"07/12/1984", "1984-07-12"},
		{"19840712", "1984-07-12"},
	}
	for _, tt := range tests {
		got, err := normalizeDate(tt.in)
		if err != nil {
			t.Errorf("normalizeDate(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeDate(%q) = %v, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := normalizeDate("July 12 1984"); err == nil {
		t.Error("expected error for free-text date")
	}
}
