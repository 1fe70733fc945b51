package protocol

import (
	"strings"
	"unicode/utf8"

	"github.com/whisper/anygle/internal/common"
)

const (
	MaxMessageBytes  = 4096 // 4KB max content size
	MaxTextChars     = 2000 // max character count
	MaxInterests     = 5
	MaxInterestChars = 32
)

// ReportReasons are the accepted report reasons.
var ReportReasons = map[string]bool{
	"harassment":     true,
	"sexual_content": true,
	"minor_safety":   true,
	"hate_speech":    true,
	"violence":       true,
	"spam":           true,
	"other":          true,
}

// Validate checks the join payload and normalises its interests in place.
func (m *JoinMsg) Validate() error {
	switch m.AgeCategory {
	case AgeTeen, AgeAdult:
	default:
		return common.Invalid("ageCategory", "must be teen or adult")
	}
	switch m.Mode {
	case ModeText, ModeVoice, ModeVideo:
	default:
		return common.Invalid("mode", "must be text, voice or video")
	}
	switch m.QueueType {
	case QueueModerated, QueueUnmoderated:
	default:
		return common.Invalid("queueType", "must be moderated or unmoderated")
	}

	interests, err := NormalizeInterests(m.Interests)
	if err != nil {
		return err
	}
	m.Interests = interests
	return nil
}

// NormalizeInterests trims, lower-cases and de-duplicates interest tags,
// keeping first-seen order. Empty tags are dropped and commas are not
// allowed inside a tag.
func NormalizeInterests(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || seen[tag] {
			continue
		}
		if strings.Contains(tag, ",") {
			return nil, common.Invalid("interests", "tag must not contain a comma")
		}
		if utf8.RuneCountInString(tag) > MaxInterestChars {
			return nil, common.Invalid("interests", "tag longer than 32 characters")
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) > MaxInterests {
		return nil, common.Invalid("interests", "at most 5 interests allowed")
	}
	return out, nil
}

// Validate checks that a chat message meets content requirements.
func (m ChatMsg) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return common.Invalid("content", "message text is empty")
	}
	if len(m.Content) > MaxMessageBytes {
		return common.Invalid("content", "message exceeds 4096 byte limit")
	}
	if !utf8.ValidString(m.Content) {
		return common.Invalid("content", "message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(m.Content) > MaxTextChars {
		return common.Invalid("content", "message exceeds 2000 character limit")
	}
	return nil
}

// Validate checks the report reason. An empty reason becomes "other".
func (m *ReportMsg) Validate() error {
	if m.Reason == "" {
		m.Reason = "other"
	}
	if !ReportReasons[m.Reason] {
		return common.Invalid("reason", "unknown report reason "+m.Reason)
	}
	return nil
}

// Validate checks that a signaling payload is present.
func (m SignalMsg) Validate() error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return common.Invalid("payload", "missing signaling payload")
	}
	return nil
}
