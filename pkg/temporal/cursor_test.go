package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

const sequenceDoc = `---
title: The Road Goes Ever On
narrative_position:
  sequence: 12
---
Frodo left the Shire.
`

const storyTimeDoc = `---
narrative_position:
  story_time:
    year: 3019
    month: 3
---
Body.
`

func TestCursorFor_Priority(t *testing.T) {
	override := AtSequence(3)
	c, err := CursorFor(&override, []byte(sequenceDoc))
	require.NoError(t, err)
	assert.Equal(t, ModeSequence, c.Mode)
	assert.Equal(t, 3, *c.MaxSequenceOrder)

	c, err = CursorFor(nil, []byte(sequenceDoc))
	require.NoError(t, err)
	assert.Equal(t, ModeSequence, c.Mode)
	assert.Equal(t, 12, *c.MaxSequenceOrder)

	c, err = CursorFor(nil, []byte("No front-matter here.\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeUnrestricted, c.Mode)

	c, err = CursorFor(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeUnrestricted, c.Mode)
}

func TestCursorFor_StoryTime(t *testing.T) {
	c, err := CursorFor(nil, []byte(storyTimeDoc))
	require.NoError(t, err)
	assert.Equal(t, ModeStoryTime, c.Mode)
	assert.Equal(t, store.StoryTime{Year: 3019, Month: 3}, *c.MaxStoryTime)
}

func TestCursorFor_FrontMatterWithoutPosition(t *testing.T) {
	c, err := CursorFor(nil, []byte("---\ntitle: Prologue\n---\nText"))
	require.NoError(t, err)
	assert.Equal(t, ModeUnrestricted, c.Mode)
}

func TestCursorFor_Invalid(t *testing.T) {
	docs := []string{
		"---\nnarrative_position: {}\n---\n",
		"---\nnarrative_position:\n  story_time:\n    month: 4\n---\n",
		"---\nnarrative_position: [oops\n---\n",
	}
	for _, doc := range docs {
		_, err := CursorFor(nil, []byte(doc))
		assert.ErrorIs(t, err, store.ErrValidation, "doc %q", doc)
	}

	bad := Cursor{Mode: ModeSequence}
	_, err := CursorFor(&bad, []byte(sequenceDoc))
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestExtractFrontMatter_Unterminated(t *testing.T) {
	_, ok := extractFrontMatter([]byte("---\nnarrative_position:\n  sequence: 1\n"))
	assert.False(t, ok)
}
