package moderation

// Severity of a verdict.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action taken on a message.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
	ActionBan   Action = "ban"
)

// Tier is the rule tier that matched, in evaluation order.
type Tier int

const (
	TierNone Tier = iota
	TierZeroTolerance
	TierTeenProtection
	TierHigh
	TierPersonalInfo
	TierMedium
	TierLow
)

var tierNames = map[Tier]string{
	TierNone:           "none",
	TierZeroTolerance:  "zero_tolerance",
	TierTeenProtection: "teen_protection",
	TierHigh:           "high",
	TierPersonalInfo:   "personal_info",
	TierMedium:         "medium",
	TierLow:            "low",
}

func (t Tier) String() string { return tierNames[t] }

// warningPath reports whether the tier is handled by the escalation tracker.
func (t Tier) warningPath() bool {
	switch t {
	case TierTeenProtection, TierPersonalInfo, TierMedium, TierLow:
		return true
	}
	return false
}

// Verdict is the classifier's output for one message.
type Verdict struct {
	Tier     Tier
	Severity Severity
	Reason   string
	Rule     string // name of the matching rule
	Matched  string // matched text fragment
}

// State is a user's per-room moderation counters.
type State struct {
	Warnings int `json:"warnings"`
	Blocks   int `json:"blocks"`
}

// Banned reports whether the counters imply a ban.
func (s State) Banned() bool { return s.Blocks >= BlocksToBan }

// Decision is the real-time outcome of Moderate.
type Decision struct {
	Allowed  bool
	Severity Severity
	Action   Action
	Reason   string
	Tier     Tier
	Rule     string
	State    State // counters after this decision
	Score    Score // audit classification, independent of Allowed
}

// MessageStatus is the durable audit status stored with a message.
type MessageStatus string

const (
	StatusApproved MessageStatus = "approved"
	StatusPending  MessageStatus = "pending"
	StatusFlagged  MessageStatus = "flagged"
	StatusBlocked  MessageStatus = "blocked"
)

// Escalation is published for human review when a blocked message carries
// the minor_safety flag.
type Escalation struct {
	MessageID string   `json:"messageId"`
	RoomID    string   `json:"roomId"`
	UserID    string   `json:"userId"`
	Excerpt   string   `json:"excerpt"`
	Flags     []string `json:"flags"`
	Score     float64  `json:"score"`
	At        int64    `json:"at"`
}
