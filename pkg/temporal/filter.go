// Package temporal hides facts the reader has not reached yet.
package temporal

import (
	"fmt"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Mode selects how a Cursor is applied.
type Mode string

const (
	// ModeUnrestricted returns every candidate.
	ModeUnrestricted Mode = "unrestricted"
	// ModeSequence keeps candidates with sequence_order <= MaxSequenceOrder.
	ModeSequence Mode = "sequence"
	// ModeStoryTime keeps candidates with story_time <= MaxStoryTime.
	ModeStoryTime Mode = "story_time"
)

// Cursor is a caller's narrative position.
type Cursor struct {
	Mode             Mode
	MaxSequenceOrder *int
	MaxStoryTime     *store.StoryTime
}

// Unrestricted returns a cursor that filters nothing.
func Unrestricted() Cursor {
	return Cursor{Mode: ModeUnrestricted}
}

// AtSequence returns a sequence cursor.
func AtSequence(n int) Cursor {
	return Cursor{Mode: ModeSequence, MaxSequenceOrder: &n}
}

// AtStoryTime returns a story-time cursor.
func AtStoryTime(t store.StoryTime) Cursor {
	return Cursor{Mode: ModeStoryTime, MaxStoryTime: &t}
}

// Validate checks that the cursor carries what its mode needs.
func (c Cursor) Validate() error {
	switch c.Mode {
	case ModeUnrestricted:
		return nil
	case ModeSequence:
		if c.MaxSequenceOrder == nil {
			return fmt.Errorf("%w: sequence cursor requires max_sequence_order", store.ErrValidation)
		}
		return nil
	case ModeStoryTime:
		if c.MaxStoryTime == nil {
			return fmt.Errorf("%w: story_time cursor requires max_story_time", store.ErrValidation)
		}
		if err := c.MaxStoryTime.Validate(); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown cursor mode %q", store.ErrValidation, c.Mode)
	}
}

// AppliedFilter tells consumers which filter produced a result.
type AppliedFilter struct {
	Mode             Mode
	MaxSequenceOrder *int
	MaxStoryTime     *store.StoryTime
	// Active is false only for unrestricted mode.
	Active bool
}

// Result is a filtered candidate list plus the filter that produced it.
// It never says how many candidates were hidden.
type Result struct {
	Items   []store.Fact
	Applied AppliedFilter
}

// Filter keeps the candidates knowable at cursor c. Candidates that cannot be
// placed on the cursor's axis are dropped. Filter does not modify candidates.
func Filter(candidates []store.Fact, c Cursor) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{
		Items: make([]store.Fact, 0, len(candidates)),
		Applied: AppliedFilter{
			Mode:   c.Mode,
			Active: c.Mode != ModeUnrestricted,
		},
	}

	switch c.Mode {
	case ModeUnrestricted:
		res.Items = append(res.Items, candidates...)

	case ModeSequence:
		max := *c.MaxSequenceOrder
		res.Applied.MaxSequenceOrder = &max
		for _, f := range candidates {
			if f.SequenceOrder != nil && *f.SequenceOrder <= max {
				res.Items = append(res.Items, f)
			}
		}

	case ModeStoryTime:
		max := *c.MaxStoryTime
		res.Applied.MaxStoryTime = &max
		for _, f := range candidates {
			if f.StoryTime != nil && f.StoryTime.Compare(max) <= 0 {
				res.Items = append(res.Items, f)
			}
		}
	}

	return res, nil
}
