// Package trigger decides whether a pipeline is eligible to run for an
// incoming event.
//
// Matching is OR across a pipeline's triggers: the pipeline runs iff at
// least one trigger's kind matches the event kind and its pattern matches
// the event's reference. Pattern semantics are kind-specific: doublestar
// globs for push and tag refs, cron expressions for schedule events. A
// pipeline with zero triggers is eligible only for an explicit manual-run
// request, which bypasses matching entirely.
package trigger

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// Event is an external event descriptor handed to the matcher. Ref carries
// the git reference for push and tag events and an RFC 3339 timestamp for
// schedule events.
type Event struct {
	Kind pipeline.TriggerKind `json:"kind"`
	Ref  string               `json:"ref"`
}

// Matcher evaluates events against pipeline triggers.
type Matcher struct {
	cronParser cron.Parser
	logger     *zap.Logger
}

// NewMatcher creates a new trigger matcher. A nil logger falls back to a
// no-op logger.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
	}
}

// Matches reports whether the pipeline is eligible to run for the event.
// No match is not an error; the engine simply takes no action.
func (m *Matcher) Matches(p *pipeline.Pipeline, ev Event) bool {
	if p == nil {
		return false
	}

	for _, t := range p.Triggers {
		if t.Kind != ev.Kind {
			continue
		}
		if m.patternMatches(t, ev.Ref) {
			m.logger.Debug("trigger matched",
				zap.String("pipeline", p.Name),
				zap.String("kind", string(t.Kind)),
				zap.String("pattern", t.Pattern),
				zap.String("ref", ev.Ref))
			return true
		}
	}

	return false
}

func (m *Matcher) patternMatches(t pipeline.Trigger, ref string) bool {
	switch t.Kind {
	case pipeline.TriggerPush, pipeline.TriggerTag:
		ok, err := doublestar.Match(t.Pattern, ref)
		if err != nil {
			m.logger.Warn("invalid ref pattern", zap.String("pattern", t.Pattern), zap.Error(err))
			return false
		}
		return ok

	case pipeline.TriggerSchedule:
		return m.scheduleMatches(t.Pattern, ref)

	case pipeline.TriggerManual:
		// Manual triggers carry no pattern; a manual event always matches.
		return true
	}

	return false
}

// scheduleMatches reports whether the event timestamp falls on an
// activation instant of the cron pattern, at minute granularity.
func (m *Matcher) scheduleMatches(pattern, ref string) bool {
	schedule, err := m.cronParser.Parse(pattern)
	if err != nil {
		m.logger.Warn("invalid cron pattern", zap.String("pattern", pattern), zap.Error(err))
		return false
	}

	at, err := time.Parse(time.RFC3339, ref)
	if err != nil {
		m.logger.Warn("schedule event ref is not an RFC 3339 timestamp",
			zap.String("ref", ref), zap.Error(err))
		return false
	}

	minute := at.Truncate(time.Minute)
	return schedule.Next(minute.Add(-time.Second)).Equal(minute)
}
