package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTiers(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		text     string
		age      string
		tier     Tier
		severity Severity
	}{
		{"zero tolerance age disclosure", "i am 14 years old send nudes", "adult", TierZeroTolerance, SeverityHigh},
		{"zero tolerance terms", "got any cp", "adult", TierZeroTolerance, SeverityHigh},
		{"zero tolerance reversed", "send nudes, im a minor", "teen", TierZeroTolerance, SeverityHigh},
		{"teen contact", "what's your snapchat", "teen", TierTeenProtection, SeverityMedium},
		{"teen flattery", "you are so cute", "teen", TierTeenProtection, SeverityMedium},
		{"adult flattery is fine", "you are so cute", "adult", TierNone, SeverityNone},
		{"threat", "i will find you", "adult", TierHigh, SeverityHigh},
		{"doxx", "i know where you live", "adult", TierHigh, SeverityHigh},
		{"drugs", "selling weed cheap", "adult", TierHigh, SeverityHigh},
		{"fraud", "give me your cvv", "adult", TierHigh, SeverityHigh},
		{"personal info", "email me at a@b.io", "adult", TierPersonalInfo, SeverityMedium},
		{"repeated profanity", "fuck this shit", "adult", TierMedium, SeverityMedium},
		{"taunt", "kys", "adult", TierMedium, SeverityMedium},
		{"insult", "you're stupid", "adult", TierLow, SeverityLow},
		{"mild", "damn that was close", "adult", TierLow, SeverityLow},
		{"clean", "what music do you like?", "adult", TierNone, SeverityNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(tt.text, tt.age)
			assert.Equal(t, tt.tier, v.Tier, "rule=%s matched=%q", v.Rule, v.Matched)
			assert.Equal(t, tt.severity, v.Severity)
		})
	}
}

func TestClassifyZeroToleranceBeatsTeenTier(t *testing.T) {
	v := NewClassifier().Classify("how old are you? im 15 and want to trade pics", "teen")
	assert.Equal(t, TierZeroTolerance, v.Tier)
}

func TestClassifyNormalisesText(t *testing.T) {
	c := NewClassifier()

	// Full-width letters fold under NFKC.
	assert.Equal(t, TierLow, c.Classify("ｓｔｕｐｉｄ", "adult").Tier)
	// Curly apostrophes are straightened.
	assert.Equal(t, TierLow, c.Classify("you’re stupid", "adult").Tier)
	// Emojis are stripped before matching.
	assert.Equal(t, TierLow, c.Classify("😡idiot😡", "adult").Tier)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello there", Normalize("  Hello There 👋 "))
	assert.Equal(t, "", Normalize("🎉🎉"))
}
