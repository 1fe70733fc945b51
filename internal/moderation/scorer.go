package moderation

import (
	"math"
	"regexp"
)

// Scoring categories.
const (
	CategoryHateSpeech   = "hate_speech"
	CategoryMinorSafety  = "minor_safety"
	CategoryHarassment   = "harassment"
	CategorySexual       = "sexual_content"
	CategoryPersonalInfo = "personal_info"
)

// Score is the audit classification of a message.
type Score struct {
	Value  float64       `json:"score"`
	Status MessageStatus `json:"status"`
	Flags  []string      `json:"flags"`
}

// NeedsReview reports whether the message must be escalated to a human
// reviewer: blocked and flagged for minor safety.
func (s Score) NeedsReview() bool {
	if s.Status != StatusBlocked {
		return false
	}
	for _, f := range s.Flags {
		if f == CategoryMinorSafety {
			return true
		}
	}
	return false
}

type category struct {
	name     string
	weight   float64
	patterns []*regexp.Regexp
}

// categories are evaluated in this order; flags are reported in the same
// order so scores are reproducible.
var categories = []category{
	{
		name:   CategoryHateSpeech,
		weight: 0.95,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(nigger|nigga|chink|fag|faggot|kike|wetback)\b`),
			regexp.MustCompile(`\b(white power|heil hitler|race war)\b`),
		},
	},
	{
		name:   CategoryMinorSafety,
		weight: 0.90,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b1[0-7]\s*(yo|y/o|years?\s*old)\b`),
			regexp.MustCompile(`\b(asl|age sex location)\b`),
			regexp.MustCompile(`\b(cyber|meet up|come over)\b`),
			regexp.MustCompile(`\b(underage|jailbait|preteen|lolita)\b`),
		},
	},
	{
		name:   CategoryHarassment,
		weight: 0.80,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(kill yourself|kys|hope you die)\b`),
			regexp.MustCompile(`\b(ugly|fat|stupid|retard|loser|idiot)\b`),
		},
	},
	{
		name:   CategorySexual,
		weight: 0.70,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(nudes?|naked|sex|sexy|horny|cum|dick|cock|pussy|tits|boobs)\b`),
			regexp.MustCompile(`(send nudes?|show me|trade pics|cam show)`),
			regexp.MustCompile(`\b(masturbat\w*|jerk off|touch yourself)\b`),
		},
	},
	{
		name:   CategoryPersonalInfo,
		weight: 0.60,
		patterns: []*regexp.Regexp{
			ssnPattern,
			regexp.MustCompile(`\b\d{10,11}\b`),
			emailPattern,
		},
	},
}

// Scorer assigns the durable moderation status of a message. It never
// influences whether the message is relayed.
type Scorer struct {
	categories []category
}

// NewScorer returns a scorer over the built-in categories.
func NewScorer() *Scorer {
	return &Scorer{categories: categories}
}

// Score classifies text. The value is the highest weight among matched
// categories, rounded to two decimals.
func (s *Scorer) Score(text string) Score {
	normalized := Normalize(text)

	var (
		flags []string
		top   float64
	)
	for _, c := range s.categories {
		for _, p := range c.patterns {
			if p.MatchString(normalized) {
				flags = append(flags, c.name)
				if c.weight > top {
					top = c.weight
				}
				break
			}
		}
	}

	return Score{
		Value:  math.Round(top*100) / 100,
		Status: StatusFor(top),
		Flags:  flags,
	}
}

// StatusFor maps a score to an audit status.
func StatusFor(score float64) MessageStatus {
	switch {
	case score >= 0.90:
		return StatusBlocked
	case score >= 0.70:
		return StatusFlagged
	case score > 0:
		return StatusPending
	default:
		return StatusApproved
	}
}

// ShouldBlockChat reports whether a room's history is toxic enough to end
// it: at least five messages with more than half flagged or blocked, or
// five flagged messages outright.
func ShouldBlockChat(total, flagged int) bool {
	if total < 5 {
		return false
	}
	return float64(flagged)/float64(total) > 0.5 || flagged >= 5
}

// SafetyMessage returns the user-facing caution for a set of flags.
func SafetyMessage(flags []string) string {
	has := func(name string) bool {
		for _, f := range flags {
			if f == name {
				return true
			}
		}
		return false
	}
	switch {
	case has(CategoryMinorSafety):
		return "This conversation has been flagged for safety concerns. Please keep conversations appropriate."
	case has(CategoryHateSpeech):
		return "Let's keep things respectful. Harassment won't be tolerated."
	case has(CategorySexual):
		return "Please keep the conversation appropriate for all users."
	default:
		return "Please be respectful and follow our community guidelines."
	}
}
