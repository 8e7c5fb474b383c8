package history

import "strings"

// Mentions are stored as a comma-joined column rather than a side table:
// the set is small (bounded by room membership) and always read back whole.
func encodeMentions(mentions []string) string {
	return strings.Join(mentions, ",")
}

func decodeMentions(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
