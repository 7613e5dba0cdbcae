package content

import (
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Kind classifies a unit for condensation and scoring.
type Kind string

// Content kinds.
const (
	KindSource     Kind = "source"
	KindMessage    Kind = "message"
	KindStructured Kind = "structured-data"
	KindProse      Kind = "prose"
	KindConfig     Kind = "config"
	KindUnknown    Kind = "unknown"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindSource, KindMessage, KindStructured, KindProse, KindConfig}
}

// ParseKind converts a user supplied kind name. Unrecognized names map to
// KindUnknown, which condensation handles with the generic strategy.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source", "code":
		return KindSource
	case "message", "msg":
		return KindMessage
	case "structured-data", "structured", "data":
		return KindStructured
	case "prose", "doc", "docs":
		return KindProse
	case "config", "configuration":
		return KindConfig
	default:
		return KindUnknown
	}
}

// Conversation roles. A message unit or window entry with one of these
// roles takes part in question and answer pairing.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Unit is one atomic piece of candidate context: a file, a message or a
// config block. Units are immutable once observed.
type Unit struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Kind         Kind      `json:"kind"`
	Language     string    `json:"language,omitempty"`
	Role         string    `json:"role,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// NewUnit builds a unit and fills SizeBytes from the text.
func NewUnit(id, text string, kind Kind, language string, modified time.Time) Unit {
	return Unit{
		ID:           id,
		Text:         text,
		Kind:         kind,
		Language:     strings.ToLower(language),
		SizeBytes:    int64(len(text)),
		LastModified: modified,
	}
}

// Fingerprint hashes the kind, language and text of the unit. Two units with
// the same fingerprint condense to the same result.
func (u Unit) Fingerprint() uint64 {
	var sb strings.Builder
	sb.Grow(len(u.Kind) + len(u.Language) + len(u.Text) + 2)
	sb.WriteString(string(u.Kind))
	sb.WriteByte(0)
	sb.WriteString(u.Language)
	sb.WriteByte(0)
	sb.WriteString(u.Text)
	return xxh3.HashString(sb.String())
}
