package shipper

import "strings"

// redactSecretLike shows any structured metadata value that looks like a
// bearer token or API key only by its prefix, plus its last four characters
// when more than eight characters follow the prefix, before it ever reaches
// a Loki push body. Host applications routinely pass request headers and
// other high-cardinality fields through structured metadata, so this runs
// wherever FormatEvent extracts a structured-metadata value; label values
// taken from metadata are not redacted.
func redactSecretLike(value string) string {
	if !looksLikeSecret(value) {
		return value
	}

	prefix := secretPrefix(value)
	suffix := ""
	if len(value) > len(prefix)+8 {
		suffix = value[len(value)-4:]
	}
	return prefix + "..." + suffix
}

// secretPrefixMappings maps known API-key prefixes to their normalized,
// shorter display form.
var secretPrefixMappings = []struct {
	match  string
	output string
}{
	{"sk-ant-api03-", "sk-ant-"},
	{"sk-ant-", "sk-ant-"},
	{"sk-proj-", "sk-proj-"},
	{"sk-", "sk-"},
	{"Bearer ", "Bearer "},
}

func looksLikeSecret(value string) bool {
	for _, pm := range secretPrefixMappings {
		if strings.HasPrefix(value, pm.match) {
			return true
		}
	}
	return false
}

func secretPrefix(value string) string {
	for _, pm := range secretPrefixMappings {
		if strings.HasPrefix(value, pm.match) {
			if pm.match == "Bearer " {
				return "Bearer " + secretPrefix(strings.TrimPrefix(value, "Bearer "))
			}
			return pm.output
		}
	}
	if idx := strings.Index(value, "-"); idx > 0 {
		return value[:idx+1]
	}
	return ""
}
