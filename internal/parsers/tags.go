package parsers

import (
	"fmt"

	"github.com/qualys/iacguard/internal/jsonval"
)

// extractTags reads a tag value in either of the two shapes providers
// emit: a plain string map, or a list of {Key, Value} objects.
// Unrecognized shapes yield no tags.
func extractTags(v jsonval.Value) map[string]string {
	tags := make(map[string]string)
	mergeTags(tags, v)
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// mergeTags union-merges one tag source into dst. Later sources win on
// key conflicts.
func mergeTags(dst map[string]string, v jsonval.Value) {
	switch v.Kind() {
	case jsonval.KindObject:
		for _, key := range v.Keys() {
			dst[key] = scalarString(v.Field(key))
		}
	case jsonval.KindArray:
		for _, item := range v.Items() {
			key, okKey := item.Get("Key")
			if !okKey {
				key, okKey = item.Get("key")
			}
			if !okKey {
				continue
			}
			ks, ok := key.AsString()
			if !ok || ks == "" {
				continue
			}
			val, okVal := item.Get("Value")
			if !okVal {
				val, _ = item.Get("value")
			}
			dst[ks] = scalarString(val)
		}
	}
}

// collectTags union-merges tag-shaped fields found at the given keys
// of a properties object.
func collectTags(props jsonval.Value, keys ...string) map[string]string {
	tags := make(map[string]string)
	for _, key := range keys {
		if v, ok := props.Get(key); ok {
			mergeTags(tags, v)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func scalarString(v jsonval.Value) string {
	switch v.Kind() {
	case jsonval.KindString:
		s, _ := v.AsString()
		return s
	case jsonval.KindBool:
		b, _ := v.AsBool()
		return fmt.Sprintf("%t", b)
	case jsonval.KindNumber:
		n, _ := v.AsNumber()
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	}
	return ""
}
