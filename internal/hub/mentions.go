package hub

import (
	"strings"

	"github.com/daikichidaze/simple-chatapp/internal/presence"
)

// resolveMentions scans text for @token occurrences and resolves each
// token against the current room's membership by display_name,
// case-insensitively, per spec §4.E. Tokens with no match are dropped from
// the returned set but remain in the rendered text. Matches are
// deduplicated, insertion order preserved.
func resolveMentions(text string, members []presence.Member) []string {
	byName := make(map[string]string, len(members)) // lowercased display name -> user id
	for _, m := range members {
		byName[strings.ToLower(m.DisplayName)] = m.UserID
	}

	var mentions []string
	seen := make(map[string]struct{})

	i := 0
	for i < len(text) {
		if text[i] != '@' {
			i++
			continue
		}
		j := i + 1
		for j < len(text) && j-i-1 < 50 && isMentionChar(text[j]) {
			j++
		}
		if j == i+1 {
			i++
			continue
		}

		token := text[i+1 : j]
		if userID, ok := byName[strings.ToLower(token)]; ok {
			if _, dup := seen[userID]; !dup {
				seen[userID] = struct{}{}
				mentions = append(mentions, userID)
			}
		}
		i = j
	}

	return mentions
}

func isMentionChar(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	default:
		return false
	}
}
