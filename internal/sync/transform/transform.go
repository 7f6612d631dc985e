package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/record"
)

// IncompleteMappingError means a required canonical field could not be
// populated from the vendor payload. Fatal for the record.
type IncompleteMappingError struct {
	Provider     provider.Type
	ResourceType string
	Field        string
}

func (e *IncompleteMappingError) Error() string {
	return fmt.Sprintf("incomplete mapping: %s/%s missing required field %q",
		e.Provider, e.ResourceType, e.Field)
}

// Fatal marks the error as non-retryable for the queue: refetching the same
// payload cannot make the missing field appear.
func (e *IncompleteMappingError) Fatal() bool { return true }

// ToCanonical converts one vendor payload into a canonical record. Unmapped
// top-level vendor fields are preserved in Extensions; normalizer failures
// become warnings on the record rather than errors.
func ToCanonical(p provider.Type, resourceType string, raw map[string]any) (*record.CanonicalRecord, error) {
	m, ok := MappingFor(p, resourceType)
	if !ok {
		return nil, fmt.Errorf("no mapping for %s/%s", p, resourceType)
	}

	rec := &record.CanonicalRecord{
		ResourceType: resourceType,
		Fields:       make(map[string]any, len(m.Fields)),
	}

	for _, fm := range m.Fields {
		v, found := lookup(raw, fm.VendorPath)
		if !found {
			if fm.Required {
				return nil, &IncompleteMappingError{Provider: p, ResourceType: resourceType, Field: fm.Canonical}
			}
			continue
		}
		if fm.Normalize != "" {
			if fn, ok := normalizers[fm.Normalize]; ok {
				norm, err := fn(v)
				if err != nil {
					rec.Warnings = append(rec.Warnings,
						fmt.Sprintf("normalize %s: %v", fm.Canonical, err))
				} else {
					v = norm
				}
			}
		}
		rec.Fields[fm.Canonical] = v
	}

	roots := m.vendorRoots()
	for k, v := range raw {
		if !roots[k] {
			if rec.Extensions == nil {
				rec.Extensions = make(map[string]any)
			}
			rec.Extensions[k] = v
		}
	}

	rec.Provenance = record.Provenance{
		Provider:      string(p),
		VendorID:      stringAt(raw, "id"),
		VendorVersion: stringAt(raw, "meta.versionId"),
		LastModified:  timeAt(raw, "meta.lastUpdated"),
	}
	return rec, nil
}

// FromCanonical rebuilds a vendor payload for push: mapped fields are
// written back to their vendor paths, and extensions are restored verbatim
// so round-tripping loses nothing the vendor sent.
func FromCanonical(p provider.Type, resourceType string, rec *record.CanonicalRecord) (map[string]any, error) {
	m, ok := MappingFor(p, resourceType)
	if !ok {
		return nil, fmt.Errorf("no mapping for %s/%s", p, resourceType)
	}

	raw := make(map[string]any, len(rec.Extensions)+len(m.Fields)+2)
	for k, v := range rec.Extensions {
		raw[k] = v
	}
	raw["resourceType"] = resourceType

	for _, fm := range m.Fields {
		v, ok := rec.Fields[fm.Canonical]
		if !ok {
			if fm.Required {
				return nil, &IncompleteMappingError{Provider: p, ResourceType: resourceType, Field: fm.Canonical}
			}
			continue
		}
		if err := write(raw, fm.VendorPath, v); err != nil {
			return nil, fmt.Errorf("write %s to %s: %w", fm.Canonical, fm.VendorPath, err)
		}
	}

	if rec.Provenance.VendorID != "" && rec.Provenance.Provider == string(p) {
		raw["id"] = rec.Provenance.VendorID
	}
	return raw, nil
}

// lookup walks a dot path through nested maps and slices. Numeric segments
// index slices.
func lookup(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// write sets a value at a dot path, creating intermediate maps and growing
// slices as needed.
func write(root map[string]any, path string, v any) error {
	segs := strings.Split(path, ".")
	var cur any = root
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		nextSeg := segs[i+1]
		switch node := cur.(type) {
		case map[string]any:
			child, ok := node[seg]
			if !ok {
				child = emptyContainer(nextSeg)
				node[seg] = child
			}
			// Slices need re-assignment after growth; handle inline.
			if arr, isArr := child.([]any); isArr {
				idx, err := strconv.Atoi(nextSeg)
				if err != nil {
					return fmt.Errorf("segment %q indexes a non-array", nextSeg)
				}
				for len(arr) <= idx {
					arr = append(arr, nil)
				}
				node[seg] = arr
				child = arr
			}
			cur = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return fmt.Errorf("segment %q indexes a non-array", seg)
			}
			if node[idx] == nil {
				node[idx] = emptyContainer(nextSeg)
			}
			if arr, isArr := node[idx].([]any); isArr {
				childIdx, err := strconv.Atoi(nextSeg)
				if err != nil {
					return fmt.Errorf("segment %q indexes a non-array", nextSeg)
				}
				for len(arr) <= childIdx {
					arr = append(arr, nil)
				}
				node[idx] = arr
			}
			cur = node[idx]
		default:
			return fmt.Errorf("cannot descend into %T at %q", cur, seg)
		}
	}

	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		node[last] = v
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("bad array index %q", last)
		}
		node[idx] = v
	default:
		return fmt.Errorf("cannot write into %T at %q", cur, last)
	}
	return nil
}

func emptyContainer(nextSeg string) any {
	if _, err := strconv.Atoi(nextSeg); err == nil {
		return []any{}
	}
	return map[string]any{}
}

func stringAt(raw map[string]any, path string) string {
	if v, ok := lookup(raw, path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func timeAt(raw map[string]any, path string) time.Time {
	s := stringAt(raw, path)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
