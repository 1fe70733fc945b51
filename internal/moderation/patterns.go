package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Patterns are compiled once at package init and shared by every
// Classifier; regexp.Regexp is safe for concurrent use. All patterns run
// against normalised (lower-cased, NFKC, emoji-free) text.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567.
	// Anchored to whitespace/string boundaries so short numbers like "100"
	// and digits embedded in words do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$|[.,!?])`)

	ssnPattern     = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern   = regexp.MustCompile(`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
	addressPattern = regexp.MustCompile(`\b\d{1,5}\s+\w+(\s+\w+)?\s+(st|street|ave|avenue|rd|road|blvd|boulevard|lane|ln|drive|dr|court|ct)\b`)
	handlePattern  = regexp.MustCompile(`\b(snapchat|snap|instagram|insta|ig|discord|kik|telegram|whatsapp)\s*[:@]\s*@?\w+`)
	handleAsk      = regexp.MustCompile(`\b(add|follow|dm|message|text|hit)\s+me\s+(up\s+)?on\s+(snapchat|snap|instagram|insta|ig|discord|kik|telegram|whatsapp)\b`)

	profanityPattern = regexp.MustCompile(`\b(fuck\w*|shit\w*|bitch\w*|cunt|asshole|bastard|motherfucker)\b`)
)

// rule pairs a detection function with metadata used for reporting.
type rule struct {
	name  string
	match func(string) string // returns the matched fragment or ""
}

// re adapts a regexp to a rule matcher.
func re(pattern *regexp.Regexp) func(string) string {
	return pattern.FindString
}

func rx(expr string) func(string) string {
	return re(regexp.MustCompile(expr))
}

// tier groups the rules of one severity band. Order of rules within a tier
// only affects which rule name is reported.
type tier struct {
	tier     Tier
	severity Severity
	reason   string
	teenOnly bool
	rules    []rule
}

// tiers is the ordered rule table. Evaluation stops at the first tier with
// a matching rule.
var tiers = []tier{
	{
		tier:     TierZeroTolerance,
		severity: SeverityHigh,
		reason:   "Zero tolerance violation detected",
		rules: []rule{
			{name: "csam_terms", match: rx(`\b(cp|child porn|preteen|lolita|jailbait|pedo\w*)\b`)},
			{name: "minor_sexual", match: rx(`\b(underage|minor|child|kid|1[0-7]\s*(yo|y/o|years?\s*old))\b.*\b(nudes?|naked|sex|sexting|porn|nsfw|lewd|horny)\b`)},
			{name: "sexual_minor", match: rx(`\b(nudes?|naked|porn|nsfw|lewd)\b.*\b(underage|minor|child|kid|1[0-7]\s*(yo|y/o|years?\s*old))\b`)},
			{name: "age_solicitation", match: rx(`\b(i am|im|i'm)\s+1[0-7]\b.*\b(send|show|trade|want)\b.*\b(pics?|photos?|body|nudes?|cam)\b`)},
		},
	},
	{
		tier:     TierTeenProtection,
		severity: SeverityMedium,
		reason:   "personal info/safety caution",
		teenOnly: true,
		rules: []rule{
			{name: "contact_solicitation", match: rx(`\b(how old are you|where do you live|what school|phone number|your number|snapchat|snap|instagram|insta|discord|kik|whatsapp)\b`)},
			{name: "meetup", match: rx(`\b(meet up|meet irl|hang out|come over|visit you|send (me )?(a )?(pic|photo|selfie)s?)\b`)},
			{name: "flattery", match: rx(`\b(sexy|hot|cute|beautiful|want you|like you)\b`)},
		},
	},
	{
		tier:     TierHigh,
		severity: SeverityHigh,
		reason:   "High severity content detected",
		rules: []rule{
			{name: "threat", match: rx(`\b(i will|i'll|ill|gonna|going to)\s+(kill|hurt|find|stab|shoot)\s+you\b|\b(kill|murder)\s+you\b|\b(death threat|swatting|swat you)\b`)},
			{name: "doxxing", match: rx(`\b(dox|doxx|doxxing|doxing|i know where you live|ssn|social security number)\b`)},
			{name: "sexual_violence", match: rx(`\b(rape|molest\w*)\b`)},
			{name: "drugs", match: rx(`\b(sell|selling|buy|buying)\s+(drugs|weed|cocaine|coke|heroin|meth|pills)\b|\b(cocaine|heroin|meth|fentanyl)\b`)},
			{name: "fraud", match: rx(`\b(scam|fraud|phishing|cvv|credit card number|bank login|gift card code)\b`)},
		},
	},
	{
		tier:     TierPersonalInfo,
		severity: SeverityMedium,
		reason:   "Please do not share personal information",
		rules: []rule{
			{name: "ssn", match: re(ssnPattern)},
			{name: "phone", match: re(phonePattern)},
			{name: "email", match: re(emailPattern)},
			{name: "address", match: re(addressPattern)},
			{name: "social_handle", match: re(handlePattern)},
			{name: "social_solicitation", match: re(handleAsk)},
		},
	},
	{
		tier:     TierMedium,
		severity: SeverityMedium,
		reason:   "Inappropriate content detected",
		rules: []rule{
			{name: "repeated_profanity", match: repeatedProfanity},
			{name: "self_harm_taunt", match: rx(`\b(kill yourself|kys|hope you die|go die)\b`)},
			{name: "slur", match: rx(`\b(retard|retarded|fag|faggot|nigger|nigga|chink|kike|wetback|tranny)\b`)},
			{name: "explicit_sexual", match: rx(`\b(dick|cock|pussy|tits|boobs|cum|horny|blowjob|nudes?|masturbat\w*)\b`)},
		},
	},
	{
		tier:     TierLow,
		severity: SeverityLow,
		reason:   "Mild language detected",
		rules: []rule{
			{name: "mild_language", match: rx(`\b(hell|damn|crap|wtf|stfu|shut up)\b`)},
			{name: "insult", match: rx(`\b(stupid|idiot|dumb|loser|moron|ugly)\b`)},
			{name: "profanity", match: re(profanityPattern)},
			{name: "url", match: re(urlPattern)},
			{name: "char_flood", match: flag(hasCharFlood)},
			{name: "word_flood", match: flag(hasWordFlood)},
		},
	},
}

// flag adapts a boolean check to a rule matcher.
func flag(check func(string) bool) func(string) string {
	return func(text string) string {
		if check(text) {
			return text
		}
		return ""
	}
}

// repeatedProfanity matches when two or more profanities occur in one
// message. RE2 has no backreferences, so the count is taken here.
func repeatedProfanity(text string) string {
	hits := profanityPattern.FindAllString(text, 2)
	if len(hits) < 2 {
		return ""
	}
	return strings.Join(hits, " ")
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is implemented as a simple linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively. Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		if w == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = w
		}
	}
	return false
}
