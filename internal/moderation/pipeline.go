package moderation

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/metrics"
)

// Banner records a durable ban. The ban store implements it.
type Banner interface {
	Ban(ctx context.Context, userID, reason string) error
}

// Pipeline is the single moderation entry point: classifier, escalation
// tracker and scoring pass. It keeps no per-user state of its own.
type Pipeline struct {
	classifier *Classifier
	scorer     *Scorer
	tracker    Tracker
	banner     Banner

	// countLow makes low-severity warnings accrue toward a block.
	countLow bool
}

// NewPipeline builds a pipeline over tracker. banner may be nil, in which
// case bans are reported in the Decision but not persisted.
func NewPipeline(tracker Tracker, banner Banner, countLowSeverity bool) *Pipeline {
	return &Pipeline{
		classifier: NewClassifier(),
		scorer:     NewScorer(),
		tracker:    tracker,
		banner:     banner,
		countLow:   countLowSeverity,
	}
}

// Moderate decides whether text from userID may be relayed. The scoring
// pass always runs and is attached to the decision. A tracker failure fails
// closed: the message is not allowed and the error wraps
// common.ErrStoreUnavailable.
func (p *Pipeline) Moderate(ctx context.Context, text, userID string, profile identity.Profile) (Decision, error) {
	verdict := p.classifier.Classify(text, profile.AgeCategory)
	score := p.scorer.Score(text)

	d, err := p.decide(ctx, verdict, userID)
	d.Score = score
	d.Tier = verdict.Tier
	d.Rule = verdict.Rule
	metrics.ModerationDecisions.WithLabelValues(string(d.Action)).Inc()
	return d, err
}

func (p *Pipeline) decide(ctx context.Context, v Verdict, userID string) (Decision, error) {
	switch {
	case v.Tier == TierNone:
		return Decision{Allowed: true, Action: ActionAllow}, nil

	case v.Tier == TierZeroTolerance:
		jww.WARN.Printf("[moderation] zero tolerance rule=%s user=%s", v.Rule, userID)
		p.ban(ctx, userID, v.Reason)
		return Decision{Allowed: false, Severity: SeverityHigh, Action: ActionBan, Reason: v.Reason}, nil

	case v.Tier == TierHigh:
		return Decision{Allowed: false, Severity: SeverityHigh, Action: ActionBlock, Reason: v.Reason}, nil

	case v.Tier == TierLow && !p.countLow:
		return Decision{Allowed: true, Severity: SeverityLow, Action: ActionWarn, Reason: v.Reason}, nil

	case v.Tier.warningPath():
		return p.warn(ctx, v, userID)
	}
	return Decision{Allowed: true, Action: ActionAllow}, nil
}

func (p *Pipeline) warn(ctx context.Context, v Verdict, userID string) (Decision, error) {
	state, rolled, err := p.tracker.Warn(ctx, userID)
	if err != nil {
		return Decision{Allowed: false, Severity: v.Severity, Action: ActionBlock, Reason: "moderation unavailable"},
			errors.Wrap(err, "moderation: escalation")
	}

	if !rolled {
		return Decision{
			Allowed:  v.Severity == SeverityLow,
			Severity: v.Severity,
			Action:   ActionWarn,
			Reason:   v.Reason,
			State:    state,
		}, nil
	}

	if state.Banned() {
		jww.WARN.Printf("[moderation] user=%s reached %d blocks, banning", userID, state.Blocks)
		p.ban(ctx, userID, "Multiple violations")
		return Decision{Allowed: false, Severity: SeverityHigh, Action: ActionBan, Reason: "Multiple violations", State: state}, nil
	}

	jww.INFO.Printf("[moderation] user=%s warnings rolled into block (blocks=%d)", userID, state.Blocks)
	return Decision{Allowed: false, Severity: SeverityHigh, Action: ActionBlock, Reason: "Too many warnings", State: state}, nil
}

func (p *Pipeline) ban(ctx context.Context, userID, reason string) {
	if p.banner == nil {
		return
	}
	if err := p.banner.Ban(ctx, userID, reason); err != nil {
		jww.ERROR.Printf("[moderation] failed to persist ban for %s: %v", userID, err)
	}
}

// ResetUser clears the user's counters. Called whenever the user enters a
// new room.
func (p *Pipeline) ResetUser(ctx context.Context, userID string) error {
	return errors.Wrap(p.tracker.Reset(ctx, userID), "moderation: reset")
}

// State returns the user's current counters.
func (p *Pipeline) State(ctx context.Context, userID string) (State, error) {
	return p.tracker.Get(ctx, userID)
}

// Score runs only the scoring pass.
func (p *Pipeline) Score(text string) Score {
	return p.scorer.Score(text)
}
