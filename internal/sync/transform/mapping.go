// Package transform converts vendor-native payloads to canonical records
// and back. A declarative mapping table per (provider, resourceType) drives
// extraction; everything the table does not claim rides along in the
// record's extensions map.
package transform

import (
	"strings"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

// FieldMapping binds one canonical field to a vendor payload path.
type FieldMapping struct {
	// Canonical is the field name in CanonicalRecord.Fields.
	Canonical string
	// VendorPath is a dot path into the vendor payload, with numeric
	// segments indexing into arrays ("name.0.family").
	VendorPath string
	// Required aborts transformation with IncompleteMapping when the
	// vendor value is absent.
	Required bool
	// Normalize names a registered normalizer applied to the extracted
	// value. Normalizer failures become record warnings, not errors.
	Normalize string
}

// Mapping is the full table for one (provider, resourceType) pair.
type Mapping struct {
	Provider     provider.Type
	ResourceType string
	Fields       []FieldMapping
}

// vendorRoots returns the set of top-level payload keys the mapping claims,
// used to decide what goes to extensions.
func (m Mapping) vendorRoots() map[string]bool {
	roots := map[string]bool{
		// Bookkeeping keys are never vendor data worth preserving twice.
		"resourceType": true,
		"meta":         true,
		"id":           true,
	}
	for _, f := range m.Fields {
		root := f.VendorPath
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		roots[root] = true
	}
	return roots
}

// fhirBase is the shared FHIR R4 shape all seven vendors serve. Provider
// tables start here; vendor quirks override per field below.
func fhirBase(resourceType string) []FieldMapping {
	switch resourceType {
	case "Patient":
		return []FieldMapping{
			{Canonical: "family_name", VendorPath: "name.0.family", Required: true},
			{Canonical: "given_name", VendorPath: "name.0.given.0"},
			{Canonical: "birth_date", VendorPath: "birthDate", Required: true, Normalize: "date"},
			{Canonical: "gender", VendorPath: "gender", Normalize: "gender"},
			{Canonical: "mrn", VendorPath: "identifier.0.value"},
			{Canonical: "phone", VendorPath: "telecom.0.value"},
			{Canonical: "address_line", VendorPath: "address.0.line.0"},
			{Canonical: "address_city", VendorPath: "address.0.city"},
			{Canonical: "address_postal", VendorPath: "address.0.postalCode"},
		}
	case "Encounter":
		return []FieldMapping{
			{Canonical: "status", VendorPath: "status", Required: true},
			{Canonical: "class", VendorPath: "class.code"},
			{Canonical: "patient_ref", VendorPath: "subject.reference", Required: true},
			{Canonical: "period_start", VendorPath: "period.start", Normalize: "datetime"},
			{Canonical: "period_end", VendorPath: "period.end", Normalize: "datetime"},
			{Canonical: "reason", VendorPath: "reasonCode.0.text"},
		}
	case "Observation":
		return []FieldMapping{
			{Canonical: "status", VendorPath: "status", Required: true},
			{Canonical: "code", VendorPath: "code.coding.0.code", Required: true, Normalize: "loinc"},
			{Canonical: "code_display", VendorPath: "code.coding.0.display"},
			{Canonical: "patient_ref", VendorPath: "subject.reference", Required: true},
			{Canonical: "value", VendorPath: "valueQuantity.value"},
			{Canonical: "unit", VendorPath: "valueQuantity.unit", Normalize: "ucum"},
			{Canonical: "effective_at", VendorPath: "effectiveDateTime", Normalize: "datetime"},
		}
	case "Condition":
		return []FieldMapping{
			{Canonical: "code", VendorPath: "code.coding.0.code", Required: true},
			{Canonical: "code_display", VendorPath: "code.coding.0.display"},
			{Canonical: "patient_ref", VendorPath: "subject.reference", Required: true},
			{Canonical: "clinical_status", VendorPath: "clinicalStatus.coding.0.code"},
			{Canonical: "onset", VendorPath: "onsetDateTime", Normalize: "datetime"},
		}
	case "MedicationOrder":
		return []FieldMapping{
			{Canonical: "status", VendorPath: "status", Required: true},
			{Canonical: "medication", VendorPath: "medicationCodeableConcept.coding.0.code", Required: true},
			{Canonical: "medication_display", VendorPath: "medicationCodeableConcept.coding.0.display"},
			{Canonical: "patient_ref", VendorPath: "subject.reference", Required: true},
			{Canonical: "dosage_text", VendorPath: "dosageInstruction.0.text"},
			{Canonical: "authored_on", VendorPath: "authoredOn", Normalize: "datetime"},
		}
	case "AllergyIntolerance":
		return []FieldMapping{
			{Canonical: "code", VendorPath: "code.coding.0.code", Required: true},
			{Canonical: "code_display", VendorPath: "code.coding.0.display"},
			{Canonical: "patient_ref", VendorPath: "patient.reference", Required: true},
			{Canonical: "criticality", VendorPath: "criticality"},
		}
	case "Immunization":
		return []FieldMapping{
			{Canonical: "vaccine_code", VendorPath: "vaccineCode.coding.0.code", Required: true},
			{Canonical: "patient_ref", VendorPath: "patient.reference", Required: true},
			{Canonical: "occurred_at", VendorPath: "occurrenceDateTime", Normalize: "datetime"},
			{Canonical: "status", VendorPath: "status"},
		}
	case "DocumentReference":
		return []FieldMapping{
			{Canonical: "type", VendorPath: "type.coding.0.code", Required: true},
			{Canonical: "patient_ref", VendorPath: "subject.reference", Required: true},
			{Canonical: "content_url", VendorPath: "content.0.attachment.url"},
			{Canonical: "content_type", VendorPath: "content.0.attachment.contentType"},
		}
	}
	return nil
}

// overrides lists per-vendor deviations from the base FHIR shape, keyed by
// provider then resource type then canonical field.
var overrides = map[provider.Type]map[string]map[string]FieldMapping{
	provider.Allscripts: {
		// Allscripts nests the MRN under a proprietary extension block.
		"Patient": {
			"mrn": {Canonical: "mrn", VendorPath: "identifier.1.value"},
		},
	},
	provider.Meditech: {
		// Meditech reports bare observation values without a quantity
		// wrapper.
		"Observation": {
			"value": {Canonical: "value", VendorPath: "valueString"},
			"unit":  {Canonical: "unit", VendorPath: "units", Normalize: "ucum"},
		},
	},
	provider.EClinicalWorks: {
		"Patient": {
			"phone": {Canonical: "phone", VendorPath: "telecom.1.value"},
		},
	},
}

// MappingFor resolves the table for one (provider, resourceType) pair, or
// ok=false when the pair has no mapping.
func MappingFor(p provider.Type, resourceType string) (Mapping, bool) {
	base := fhirBase(resourceType)
	if base == nil {
		return Mapping{}, false
	}

	fields := make([]FieldMapping, len(base))
	copy(fields, base)
	if byResource, ok := overrides[p]; ok {
		if byField, ok := byResource[resourceType]; ok {
			for i, f := range fields {
				if o, ok := byField[f.Canonical]; ok {
					o.Required = f.Required
					fields[i] = o
				}
			}
		}
	}
	return Mapping{Provider: p, ResourceType: resourceType, Fields: fields}, true
}
