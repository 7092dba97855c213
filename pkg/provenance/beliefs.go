package provenance

import (
	"context"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// TruthConfidence is the minimum confidence for an accurate belief to count as a truth.
const TruthConfidence = 0.7

// Beliefs is what a character holds at a cursor, split by accuracy.
type Beliefs struct {
	CharacterID   string
	Cursor        int
	Truths        []*store.CharacterKnowledge
	Lies          []*store.CharacterKnowledge
	Uncertainties []*store.CharacterKnowledge
}

// Total returns the number of beliefs across all buckets.
func (b Beliefs) Total() int {
	return len(b.Truths) + len(b.Lies) + len(b.Uncertainties)
}

// BeliefsAt returns the beliefs characterID holds at sequence cursor.
// Beliefs forgotten at or before the cursor, or learned after it, are excluded.
func (l *Log) BeliefsAt(ctx context.Context, scope, characterID string, cursor int) (Beliefs, error) {
	out := Beliefs{
		CharacterID:   characterID,
		Cursor:        cursor,
		Truths:        []*store.CharacterKnowledge{},
		Lies:          []*store.CharacterKnowledge{},
		Uncertainties: []*store.CharacterKnowledge{},
	}

	held, err := l.store.KnowledgeByCharacter(ctx, scope, characterID)
	if err != nil {
		return Beliefs{}, err
	}

	for _, k := range held {
		if k.ForgottenAtSequence != nil && *k.ForgottenAtSequence <= cursor {
			continue
		}
		if k.LearnedAtSequence != nil && *k.LearnedAtSequence > cursor {
			continue
		}
		switch {
		case !k.IsAccurate:
			out.Lies = append(out.Lies, k)
		case k.Confidence >= TruthConfidence:
			out.Truths = append(out.Truths, k)
		default:
			out.Uncertainties = append(out.Uncertainties, k)
		}
	}
	return out, nil
}
