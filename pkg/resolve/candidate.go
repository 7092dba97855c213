package resolve

import (
	"fmt"
	"math"
	"strings"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Candidate is an entity proposed by upstream extraction.
type Candidate struct {
	Scope       string
	Name        string
	Type        store.EntityType
	Aliases     []string
	EraStart    *int
	EraEnd      *int
	Embedding   []float32
	Description string
	// CurrentStoryTime is where in the story the candidate was seen. Its year
	// disambiguates same-named entities by era window.
	CurrentStoryTime *store.StoryTime
	Properties       map[string]any
	// NarrativePosition is recorded on the creation event, if any.
	NarrativePosition *int
}

// propertyRule checks one typed property of one entity type.
type propertyRule func(v any) bool

var typedProperties = map[store.EntityType]map[string]propertyRule{
	store.EntityCharacter: {
		"birth_year": isInteger,
		"death_year": isInteger,
	},
	store.EntityLocation: {
		"parent_location": isString,
	},
}

// Validate rejects malformed candidates before they reach the graph.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.Scope) == "" {
		return fmt.Errorf("%w: candidate scope is required", store.ErrValidation)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: candidate name is required", store.ErrValidation)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", store.ErrValidation, c.Type)
	}
	if c.EraStart != nil && c.EraEnd != nil && *c.EraStart > *c.EraEnd {
		return fmt.Errorf("%w: era window [%d, %d] is inverted", store.ErrValidation, *c.EraStart, *c.EraEnd)
	}
	for i, v := range c.Embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: embedding component %d is not finite", store.ErrValidation, i)
		}
	}
	if c.CurrentStoryTime != nil {
		if err := c.CurrentStoryTime.Validate(); err != nil {
			return err
		}
	}
	for key, rule := range typedProperties[c.Type] {
		if v, ok := c.Properties[key]; ok && v != nil && !rule(v) {
			return fmt.Errorf("%w: %s property %q has unexpected type %T", store.ErrValidation, c.Type, key, v)
		}
	}
	return nil
}

// hasEraWindow reports whether the candidate supplied any window bound.
func (c Candidate) hasEraWindow() bool {
	return c.EraStart != nil || c.EraEnd != nil
}

// at returns the narrative time used for resolution, if any.
func (c Candidate) at() *int {
	if c.CurrentStoryTime == nil {
		return nil
	}
	y := c.CurrentStoryTime.Year
	return &y
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// isInteger accepts Go integers and whole floats, since JSON-decoded
// candidates carry numbers as float64.
func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	case float32:
		f := float64(n)
		return f == math.Trunc(f) && !math.IsInf(f, 0)
	default:
		return false
	}
}
