package temporal

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

var frontMatterDelim = []byte("---")

type frontMatter struct {
	NarrativePosition *struct {
		Sequence  *int             `yaml:"sequence"`
		StoryTime *store.StoryTime `yaml:"story_time"`
	} `yaml:"narrative_position"`
}

// CursorFor picks the cursor for a request. An explicit override wins, then
// the document's front-matter narrative_position, then Unrestricted.
//
// Front-matter is the YAML block between leading "---" lines:
//
//	---
//	narrative_position:
//	  sequence: 12
//	---
//
// or with story_time: {year: 3019, month: 3}. A malformed override or
// position is a validation error. A document without front-matter is not.
func CursorFor(override *Cursor, document []byte) (Cursor, error) {
	if override != nil {
		if err := override.Validate(); err != nil {
			return Cursor{}, err
		}
		return *override, nil
	}

	block, ok := extractFrontMatter(document)
	if !ok {
		return Unrestricted(), nil
	}

	var fm frontMatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return Cursor{}, fmt.Errorf("%w: front-matter: %v", store.ErrValidation, err)
	}
	pos := fm.NarrativePosition
	if pos == nil {
		return Unrestricted(), nil
	}

	var c Cursor
	switch {
	case pos.Sequence != nil:
		c = AtSequence(*pos.Sequence)
	case pos.StoryTime != nil:
		c = AtStoryTime(*pos.StoryTime)
	default:
		return Cursor{}, fmt.Errorf("%w: narrative_position needs sequence or story_time", store.ErrValidation)
	}
	if err := c.Validate(); err != nil {
		return Cursor{}, err
	}
	return c, nil
}

func extractFrontMatter(doc []byte) ([]byte, bool) {
	doc = bytes.TrimLeft(doc, "\ufeff \t\r\n")
	if !bytes.HasPrefix(doc, frontMatterDelim) {
		return nil, false
	}
	rest := doc[len(frontMatterDelim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return nil, false
	}
	rest = rest[nl+1:]

	for offset := 0; offset < len(rest); {
		end := bytes.IndexByte(rest[offset:], '\n')
		line := rest[offset:]
		next := len(rest)
		if end >= 0 {
			line = rest[offset : offset+end]
			next = offset + end + 1
		}
		if bytes.Equal(bytes.TrimRight(line, " \t\r"), frontMatterDelim) {
			return rest[:offset], true
		}
		offset = next
	}
	return nil, false
}
