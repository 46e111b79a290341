package pipeline

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var linkRe = regexp.MustCompile(`(?i)(https?://\S+)|((?:t|telegram)\.me/\S+)`)

// normalize folds compatibility forms (full-width letters, ligatures) and case
// so look-alike text cannot slip past substring checks.
func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// HasSignature reports whether text carries the channel handle the bot signs
// its own output with.
func HasSignature(text, handle string) bool {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return false
	}
	return strings.Contains(normalize(text), normalize(handle))
}

// Links returns every outbound link in text plus any extra entity URLs.
func Links(text string, extra ...string) []string {
	out := linkRe.FindAllString(normalize(text), -1)
	for _, u := range extra {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, normalize(u))
		}
	}
	return out
}

// Rejection explains why a post was treated as an advertisement.
type Rejection string

const (
	NotRejected     Rejection = ""
	ExternalForward Rejection = "external_forward"
	ForeignLink     Rejection = "foreign_link"
)

// Screen applies the ad filter: forwards are allowed only from the source
// chat, and every link must contain the allowed substring. An empty allowed
// substring admits every link.
func Screen(post Post, sourceChatID int64, allowed string) (Rejection, string) {
	if post.Forwarded && post.ForwardChatID != sourceChatID {
		return ExternalForward, ""
	}
	allowed = normalize(strings.TrimSpace(allowed))
	for _, link := range Links(post.Text, post.Links...) {
		if !strings.Contains(link, allowed) {
			return ForeignLink, link
		}
	}
	return NotRejected, ""
}
