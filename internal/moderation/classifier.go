package moderation

import (
	"strings"

	"github.com/forPelevin/gomoji"
	"golang.org/x/text/unicode/norm"

	"github.com/whisper/anygle/internal/protocol"
)

var quoteFolder = strings.NewReplacer("’", "'", "‘", "'", "“", "\"", "”", "\"")

// Normalize prepares text for pattern matching: compatibility
// decomposition folds full-width and stylised letters, emojis are dropped,
// curly quotes are straightened and the result is lower-cased.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = gomoji.RemoveEmojis(text)
	text = quoteFolder.Replace(text)
	return strings.ToLower(strings.TrimSpace(text))
}

// Classifier evaluates message text against the ordered rule tiers. It is
// stateless and safe for concurrent use.
type Classifier struct {
	tiers []tier
}

// NewClassifier returns a classifier over the built-in rule table.
func NewClassifier() *Classifier {
	return &Classifier{tiers: tiers}
}

// Classify returns the verdict of the first tier with a matching rule.
// Teen-protection rules only apply when ageCategory is teen.
func (c *Classifier) Classify(text, ageCategory string) Verdict {
	normalized := Normalize(text)
	if normalized == "" {
		return Verdict{Tier: TierNone}
	}

	for _, t := range c.tiers {
		if t.teenOnly && ageCategory != protocol.AgeTeen {
			continue
		}
		for _, r := range t.rules {
			if m := r.match(normalized); m != "" {
				return Verdict{
					Tier:     t.tier,
					Severity: t.severity,
					Reason:   t.reason,
					Rule:     r.name,
					Matched:  strings.TrimSpace(m),
				}
			}
		}
	}
	return Verdict{Tier: TierNone}
}
