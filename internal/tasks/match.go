package tasks

import (
	"encoding/json"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks after NFD decomposition, so accented
// and unaccented spellings of the same word compare equal.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText folds a value for fuzzy comparison: diacritics stripped,
// whitespace collapsed, lowercased.
func normalizeText(value string) string {
	folded, _, err := transform.String(stripMarks, value)
	if err != nil {
		folded = value
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// matchExpected finds the first expected entry the response satisfies.
// Structural key equality wins, then alias-vs-text, then alias-vs-key, all
// on normalized forms. Returns nil when nothing matches.
func matchExpected(expected []ExpectedEntry, response *Response) *ExpectedEntry {
	if response == nil {
		return nil
	}
	responseKey := normalizeText(response.Key)
	responseText := normalizeText(response.Text)

	for i := range expected {
		item := &expected[i]
		key := normalizeText(item.Key)
		if key != "" && responseKey != "" && key == responseKey {
			return item
		}

		for _, raw := range item.Aliases {
			alias := normalizeText(raw)
			if alias == "" {
				continue
			}
			if responseText != "" && (alias == responseText || strings.Contains(responseText, alias)) {
				return item
			}
			if responseKey != "" && (alias == responseKey || strings.Contains(responseKey, alias)) {
				return item
			}
		}
	}
	return nil
}

// normalizeExpected trims keys and aliases and drops entries that end up
// with neither. Action payloads pass through untouched; validity is checked
// separately at creation time.
func normalizeExpected(expected []ExpectedEntry) []ExpectedEntry {
	out := make([]ExpectedEntry, 0, len(expected))
	for _, item := range expected {
		key := strings.TrimSpace(item.Key)
		aliases := make([]string, 0, len(item.Aliases))
		for _, a := range item.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				aliases = append(aliases, a)
			}
		}
		if key == "" && len(aliases) == 0 {
			continue
		}
		out = append(out, ExpectedEntry{Key: key, Aliases: aliases, Action: item.Action})
	}
	return out
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
