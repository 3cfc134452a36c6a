package shipper

import (
	"fmt"
	"sort"
	"strconv"
)

// LabelSourceKind distinguishes the three ways a label's value can be
// derived.
type LabelSourceKind int

const (
	// FromLevel takes the label value from the event's severity.
	FromLevel LabelSourceKind = iota
	// FromMetadata takes the label value from a named event-metadata key,
	// omitting the label entirely when that key is absent.
	FromMetadata
	// Static always supplies a fixed value.
	Static
)

// LabelSource is a tagged value modeled as a sum type rather than
// dispatched on strings.
type LabelSource struct {
	Kind LabelSourceKind
	// Key is used when Kind == FromMetadata.
	Key string
	// Value is used when Kind == Static.
	Value string
}

// FromLevelSource returns a LabelSource that reads the event's level.
func FromLevelSource() LabelSource { return LabelSource{Kind: FromLevel} }

// FromMetadataSource returns a LabelSource that reads event.Meta[key].
func FromMetadataSource(key string) LabelSource {
	return LabelSource{Kind: FromMetadata, Key: key}
}

// StaticSource returns a LabelSource with a fixed value.
func StaticSource(value string) LabelSource {
	return LabelSource{Kind: Static, Value: value}
}

// LabelConfig maps an output label name to the descriptor that produces
// its value.
type LabelConfig map[string]LabelSource

// DefaultLabelConfig is the documented default: a single label, level,
// sourced from the event's own severity.
func DefaultLabelConfig() LabelConfig {
	return LabelConfig{"level": FromLevelSource()}
}

// defaultLevelLabels is injected when label extraction yields nothing,
// favoring a default label set over dropping the entry.
func defaultLevelLabels(level Level) map[string]string {
	return map[string]string{"level": string(level)}
}

// FormatEvent maps an Event into an Entry using the label config and the
// set of structured-metadata keys to extract.
func FormatEvent(event Event, labels LabelConfig, structuredMetadataKeys []string) Entry {
	out := make(map[string]string, len(labels))
	for name, src := range labels {
		value, ok := resolveLabel(src, event)
		if !ok {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		out = defaultLevelLabels(event.Level)
	}

	meta := extractStructuredMetadata(event, structuredMetadataKeys)

	return Entry{
		TimestampNS:        event.timestampNS(),
		Level:              event.Level,
		Message:            event.Msg.render(event.Meta),
		Labels:             out,
		StructuredMetadata: meta,
	}
}

func resolveLabel(src LabelSource, event Event) (string, bool) {
	switch src.Kind {
	case FromLevel:
		return string(event.Level), true
	case Static:
		return src.Value, true
	case FromMetadata:
		v, ok := event.Meta[src.Key]
		if !ok || v == nil {
			return "", false
		}
		return coerceString(v), true
	default:
		return "", false
	}
}

// extractStructuredMetadata includes (key -> value) for each requested key
// iff the event metadata has a non-nil value there.
func extractStructuredMetadata(event Event, keys []string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, k := range keys {
		v, ok := event.Meta[k]
		if !ok || v == nil {
			continue
		}
		out[k] = redactSecretLike(coerceString(v))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// coerceString renders an arbitrary metadata/label value as a string:
// strings pass through, numbers render in decimal, and everything else
// falls back to a structured-inspection string (%v).
func coerceString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// renderReport is the default report-rendering rule: "k=inspect(v)" pairs,
// sorted by key for determinism, joined by spaces.
func renderReport(report map[string]interface{}) string {
	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, coerceString(report[k])))
	}

	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
