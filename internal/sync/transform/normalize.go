package transform

import (
	"fmt"
	"strings"
	"time"
)

// Normalizer converts a vendor value into its canonical form. A failure is
// reported as a record warning; the raw value is kept.
type Normalizer func(v any) (any, error)

// normalizers is the built-in registry. RegisterNormalizer extends it at
// startup for deployment-specific code systems.
var normalizers = map[string]Normalizer{
	"date":     normalizeDate,
	"datetime": normalizeDateTime,
	"gender":   normalizeGender,
	"ucum":     normalizeUnit,
	"loinc":    normalizeLOINC,
}

// RegisterNormalizer installs a named normalizer. Not safe for concurrent
// use; call during initialization only.
func RegisterNormalizer(name string, fn Normalizer) {
	normalizers[name] = fn
}

func normalizeDate(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, fmt.Errorf("date: expected string, got %T", v)
	}
	for _, layout := range []string{"2006-01-02", "01/02/2006", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return v, fmt.Errorf("date: unrecognized format %q", s)
}

func normalizeDateTime(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, fmt.Errorf("datetime: expected string, got %T", v)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return v, fmt.Errorf("datetime: unrecognized format %q", s)
}

func normalizeGender(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, fmt.Errorf("gender: expected string, got %T", v)
	}
	switch strings.ToLower(s) {
	case "m", "male":
		return "male", nil
	case "f", "female":
		return "female", nil
	case "o", "other":
		return "other", nil
	case "u", "unknown", "":
		return "unknown", nil
	}
	return v, fmt.Errorf("gender: unrecognized value %q", s)
}

// ucumAliases maps common vendor unit spellings to UCUM codes.
var ucumAliases = map[string]string{
	"mg/dl":   "mg/dL",
	"mmol/l":  "mmol/L",
	"meq/l":   "meq/L",
	"g/dl":    "g/dL",
	"iu/l":    "[iU]/L",
	"bpm":     "/min",
	"mmhg":    "mm[Hg]",
	"celsius": "Cel",
	"f":       "[degF]",
}

func normalizeUnit(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, fmt.Errorf("ucum: expected string, got %T", v)
	}
	if canonical, ok := ucumAliases[strings.ToLower(s)]; ok {
		return canonical, nil
	}
	return s, nil
}

func normalizeLOINC(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, fmt.Errorf("loinc: expected string, got %T", v)
	}
	// LOINC codes are digits, a hyphen, and a check digit.
	s = strings.TrimSpace(s)
	if len(s) < 3 || !strings.Contains(s, "-") {
		return s, fmt.Errorf("loinc: %q does not look like a LOINC code", s)
	}
	return s, nil
}
