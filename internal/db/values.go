package db

import (
	"fmt"
	"strings"
	"time"
)

// Kind partitions recipients. Ids are unique only within a kind.
type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
)

// Kinds lists every kind in broadcast order.
func Kinds() []Kind {
	return []Kind{KindUser, KindGroup, KindChannel}
}

func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindGroup, KindChannel:
		return true
	}
	return false
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown recipient kind %q", s)
	}
	return k, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// isoLayout matches naive UTC ISO timestamps as written by older backups.
const isoLayout = "2006-01-02T15:04:05.999999"

func formatISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isoLayout)
}

func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, isoLayout, "2006-01-02 15:04:05.999999", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
