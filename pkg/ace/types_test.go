package ace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpfulnessScore(t *testing.T) {
	t.Run("no graded uses scores zero", func(t *testing.T) {
		b := Bullet{}
		assert.Equal(t, 0.0, b.HelpfulnessScore())
	})

	t.Run("helpful over helpful plus harmful", func(t *testing.T) {
		b := Bullet{Metadata: BulletMetadata{HelpfulCount: 5, HarmfulCount: 1}}
		assert.InDelta(t, 5.0/6.0, b.HelpfulnessScore(), 1e-9)
	})

	t.Run("neutral uses do not dilute the score", func(t *testing.T) {
		b := Bullet{Metadata: BulletMetadata{HelpfulCount: 3, HarmfulCount: 1, NeutralCount: 10, TotalUses: 14}}
		assert.InDelta(t, 0.75, b.HelpfulnessScore(), 1e-9)
	})

	t.Run("all harmful scores zero", func(t *testing.T) {
		b := Bullet{Metadata: BulletMetadata{HarmfulCount: 4, TotalUses: 4}}
		assert.Equal(t, 0.0, b.HelpfulnessScore())
	})
}

func TestParseBulletID(t *testing.T) {
	t.Run("valid ID", func(t *testing.T) {
		prefix, seq, err := ParseBulletID("mat-00007")
		require.NoError(t, err)
		assert.Equal(t, "mat", prefix)
		assert.Equal(t, 7, seq)
	})

	t.Run("prefix with digits", func(t *testing.T) {
		prefix, seq, err := ParseBulletID("x9-12345")
		require.NoError(t, err)
		assert.Equal(t, "x9", prefix)
		assert.Equal(t, 12345, seq)
	})

	t.Run("malformed IDs", func(t *testing.T) {
		for _, id := range []string{"", "mat", "mat-", "-00001", "MAT-00001", "mat-00a01", "9mat-00001"} {
			_, _, err := ParseBulletID(id)
			assert.Error(t, err, "id %q should not parse", id)
		}
	})
}

func TestFormatBulletID(t *testing.T) {
	assert.Equal(t, "mat-00007", FormatBulletID("mat", 7, 5))
	assert.Equal(t, "saf-012345", FormatBulletID("saf", 12345, 6))
	assert.Equal(t, "gen-123456", FormatBulletID("gen", 123456, 5))
}

func TestDeltaOperationValidate(t *testing.T) {
	valid := []DeltaOperation{
		{Type: OpAdd, Bullet: &Bullet{ID: "mat-00001", Category: "materials", Content: "keep samples dry"}},
		{Type: OpUpdate, BulletID: "mat-00001", NewContent: "keep samples bone dry"},
		{Type: OpRemove, BulletID: "mat-00001"},
	}
	for _, op := range valid {
		assert.NoError(t, op.Validate(), "op %s should validate", op.Type)
	}

	invalid := []DeltaOperation{
		{Type: OpAdd},
		{Type: OpAdd, Bullet: &Bullet{ID: "mat-00001", Category: "materials", Content: "   "}},
		{Type: OpAdd, Bullet: &Bullet{ID: "mat-00001", Content: "missing category"}},
		{Type: OpUpdate, NewContent: "no target"},
		{Type: OpUpdate, BulletID: "mat-00001"},
		{Type: OpRemove},
		{Type: "MERGE", BulletID: "mat-00001"},
	}
	for i, op := range invalid {
		assert.Error(t, op.Validate(), "case %d should fail", i)
	}
}

func TestDeltaOperationInvert(t *testing.T) {
	t.Run("add inverts to remove and back", func(t *testing.T) {
		bullet := Bullet{ID: "proc-00002", Category: "procedure", Content: "degas before titration"}
		add := DeltaOperation{Type: OpAdd, Bullet: &bullet}

		inv, err := add.Invert()
		require.NoError(t, err)
		assert.Equal(t, OpRemove, inv.Type)
		assert.Equal(t, "proc-00002", inv.BulletID)
		require.NotNil(t, inv.Removed)
		assert.Equal(t, bullet, *inv.Removed)

		back, err := inv.Invert()
		require.NoError(t, err)
		assert.Equal(t, OpAdd, back.Type)
		require.NotNil(t, back.Bullet)
		assert.Equal(t, bullet, *back.Bullet)
	})

	t.Run("update is self-inverting", func(t *testing.T) {
		op := DeltaOperation{Type: OpUpdate, BulletID: "param-00001", OldContent: "old", NewContent: "new"}

		inv, err := op.Invert()
		require.NoError(t, err)
		assert.Equal(t, OpUpdate, inv.Type)
		assert.Equal(t, "new", inv.OldContent)
		assert.Equal(t, "old", inv.NewContent)

		back, err := inv.Invert()
		require.NoError(t, err)
		assert.Equal(t, op.OldContent, back.OldContent)
		assert.Equal(t, op.NewContent, back.NewContent)
	})

	t.Run("remove without recorded bullet cannot invert", func(t *testing.T) {
		op := DeltaOperation{Type: OpRemove, BulletID: "mat-00001"}
		_, err := op.Invert()
		assert.Error(t, err)
	})
}

func TestChangeRecordCounts(t *testing.T) {
	record := &ChangeRecord{
		Operations: []DeltaOperation{
			{Type: OpAdd},
			{Type: OpAdd},
			{Type: OpUpdate},
			{Type: OpRemove},
		},
	}
	added, updated, removed := record.Counts()
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, removed)
}

func TestChangeRecordEmpty(t *testing.T) {
	assert.True(t, (&ChangeRecord{}).Empty())
	assert.False(t, (&ChangeRecord{CounterUpdates: []CounterUpdate{{BulletID: "mat-00001", Tag: TagHelpful}}}).Empty())
	assert.False(t, (&ChangeRecord{Pruned: []PrunedBullet{{}}}).Empty())
	assert.False(t, (&ChangeRecord{AdmittedCategories: []Category{{Name: "welding"}}}).Empty())
}

func TestReflectionInputValidate(t *testing.T) {
	t.Run("outcome alone is enough", func(t *testing.T) {
		input := &ReflectionInput{Outcome: "mixture clouded"}
		assert.NoError(t, input.Validate())
	})

	t.Run("trace alone is enough", func(t *testing.T) {
		input := &ReflectionInput{ReasoningTrace: "step 1 ..."}
		assert.NoError(t, input.Validate())
	})

	t.Run("empty input rejected", func(t *testing.T) {
		input := &ReflectionInput{Outcome: "   "}
		assert.Error(t, input.Validate())
	})

	t.Run("score above one rejected", func(t *testing.T) {
		input := &ReflectionInput{Outcome: "ok", Score: 1.5}
		assert.Error(t, input.Validate())
	})

	t.Run("criterion scores accepted in range", func(t *testing.T) {
		input := &ReflectionInput{
			Outcome:         "ok",
			Score:           0.8,
			CriterionScores: map[string]float64{"accuracy": 0.9, "safety": 0.7},
		}
		assert.NoError(t, input.Validate())
	})

	t.Run("criterion score out of range rejected", func(t *testing.T) {
		input := &ReflectionInput{
			Outcome:         "ok",
			CriterionScores: map[string]float64{"accuracy": 1.2},
		}
		assert.Error(t, input.Validate())
	})

	t.Run("nil input rejected", func(t *testing.T) {
		var input *ReflectionInput
		assert.Error(t, input.Validate())
	})
}

func TestValidTag(t *testing.T) {
	assert.True(t, ValidTag("helpful"))
	assert.True(t, ValidTag("harmful"))
	assert.True(t, ValidTag("neutral"))
	assert.False(t, ValidTag("great"))
	assert.False(t, ValidTag(""))
}
