package encounter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/encounters/model"
)

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	newEncounter := func(id string, started time.Time) model.Encounter {
		return model.Encounter{
			ID:            id,
			DefinitionKey: "repair_job",
			Subject:       model.Subject{Type: "car", ID: "car123"},
			State:         "intake",
			CreatedBy:     "bob",
			StartedAt:     started,
			UpdatedAt:     started,
			Metadata:      map[string]any{"bay": "3"},
		}
	}

	move := func(to string, at time.Time) TransitionFunc {
		return func(_ context.Context, current model.Encounter) (model.Encounter, model.TransitionLog, error) {
			next := current.Clone()
			next.State = to
			return next, model.TransitionLog{
				ID:             current.ID + "-" + to,
				FromState:      current.State,
				ToState:        to,
				Actor:          "bob",
				TransitionedAt: at,
				Metadata:       map[string]any{"note": "moved"},
			}, nil
		}
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		got, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "intake", got.State)
		assert.Equal(t, model.Subject{Type: "car", ID: "car123"}, got.Subject)
		assert.Equal(t, "bob", got.CreatedBy)
		assert.True(t, got.StartedAt.Equal(base))
		assert.Nil(t, got.EndedAt)
		assert.Equal(t, "3", got.Metadata["bay"])
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))
		err := s.Create(ctx, newEncounter("e1", base))
		assert.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)
	})

	t.Run("missing encounter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Get(ctx, "nope")
		assert.True(t, model.IsCode(err, model.ErrEncounterNotFound), "got %v", err)
		_, err = s.Transitions(ctx, "nope")
		assert.True(t, model.IsCode(err, model.ErrEncounterNotFound), "got %v", err)
		_, _, err = s.ApplyTransition(ctx, "nope", move("diagnosed", base))
		assert.True(t, model.IsCode(err, model.ErrEncounterNotFound), "got %v", err)
	})

	t.Run("apply transition appends in order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		at := base.Add(time.Minute)
		enc, row, err := s.ApplyTransition(ctx, "e1", move("diagnosed", at))
		require.NoError(t, err)
		assert.Equal(t, "diagnosed", enc.State)
		assert.Equal(t, 1, row.Sequence)
		assert.Equal(t, "e1", row.EncounterID)
		assert.True(t, row.EffectiveAt.Equal(row.TransitionedAt))

		// Same wall clock: the store must still move time forward.
		_, row2, err := s.ApplyTransition(ctx, "e1", move("repairing", at))
		require.NoError(t, err)
		assert.Equal(t, 2, row2.Sequence)
		assert.True(t, row2.TransitionedAt.After(row.TransitionedAt))

		got, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "repairing", got.State)
		assert.True(t, got.UpdatedAt.Equal(row2.TransitionedAt))

		rows, err := s.Transitions(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "intake", rows[0].FromState)
		assert.Equal(t, "diagnosed", rows[0].ToState)
		assert.Equal(t, "diagnosed", rows[1].FromState)
		assert.Equal(t, "repairing", rows[1].ToState)
		assert.Equal(t, "moved", rows[1].Metadata["note"])
	})

	t.Run("failed transition writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		boom := errors.New("boom")
		_, _, err := s.ApplyTransition(ctx, "e1", func(context.Context, model.Encounter) (model.Encounter, model.TransitionLog, error) {
			return model.Encounter{}, model.TransitionLog{}, boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "intake", got.State)
		rows, err := s.Transitions(ctx, "e1")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("log insert failure leaves encounter unchanged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))
		_, first, err := s.ApplyTransition(ctx, "e1", move("diagnosed", base.Add(time.Minute)))
		require.NoError(t, err)

		// Reusing the first row's id makes the log append fail after the
		// encounter update has been issued.
		_, _, err = s.ApplyTransition(ctx, "e1", func(_ context.Context, cur model.Encounter) (model.Encounter, model.TransitionLog, error) {
			next := cur.Clone()
			next.State = "repairing"
			return next, model.TransitionLog{
				ID:             first.ID,
				FromState:      cur.State,
				ToState:        "repairing",
				TransitionedAt: base.Add(2 * time.Minute),
			}, nil
		})
		require.Error(t, err)

		got, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "diagnosed", got.State)
		assert.True(t, got.UpdatedAt.Equal(first.TransitionedAt))
		rows, err := s.Transitions(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "diagnosed", rows[0].ToState)
	})

	t.Run("slow transition does not block other encounters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))
		require.NoError(t, s.Create(ctx, newEncounter("e2", base)))

		entered := make(chan struct{})
		release := make(chan struct{})
		slowDone := make(chan error, 1)
		go func() {
			_, _, err := s.ApplyTransition(ctx, "e1", func(ctx context.Context, cur model.Encounter) (model.Encounter, model.TransitionLog, error) {
				close(entered)
				<-release
				return move("diagnosed", base.Add(time.Minute))(ctx, cur)
			})
			slowDone <- err
		}()
		<-entered

		start := time.Now()
		_, _, err := s.ApplyTransition(ctx, "e2", move("diagnosed", base.Add(time.Minute)))
		elapsed := time.Since(start)
		close(release)

		require.NoError(t, err)
		assert.Less(t, elapsed, time.Second, "e2 waited for the check running on e1")
		require.NoError(t, <-slowDone)
	})

	t.Run("ended at matches the stamped row time", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		at := base.Add(time.Hour)
		_, _, err := s.ApplyTransition(ctx, "e1", move("diagnosed", at))
		require.NoError(t, err)

		// Same clock reading as the previous row: the store bumps the row
		// time forward and the end time must follow it.
		enc, row, err := s.ApplyTransition(ctx, "e1", func(_ context.Context, cur model.Encounter) (model.Encounter, model.TransitionLog, error) {
			next := cur.Clone()
			next.State = "cancelled"
			next.EndedAt = &at
			return next, model.TransitionLog{ID: "end", FromState: cur.State, ToState: "cancelled", TransitionedAt: at}, nil
		})
		require.NoError(t, err)
		require.NotNil(t, enc.EndedAt)
		assert.True(t, row.TransitionedAt.After(at))
		assert.True(t, enc.EndedAt.Equal(row.TransitionedAt))

		got, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, got.EndedAt)
		assert.True(t, got.EndedAt.Equal(row.TransitionedAt))
	})

	t.Run("returned row matches stored precision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		_, row, err := s.ApplyTransition(ctx, "e1", move("diagnosed", base.Add(time.Minute+1500*time.Nanosecond)))
		require.NoError(t, err)
		assert.Zero(t, row.TransitionedAt.Nanosecond()%1000)

		rows, err := s.Transitions(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].TransitionedAt.Equal(row.TransitionedAt),
			"stored %v, returned %v", rows[0].TransitionedAt, row.TransitionedAt)
	})

	t.Run("ended at persists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		end := base.Add(time.Hour)
		_, _, err := s.ApplyTransition(ctx, "e1", func(_ context.Context, cur model.Encounter) (model.Encounter, model.TransitionLog, error) {
			next := cur.Clone()
			next.State = "cancelled"
			next.EndedAt = &end
			return next, model.TransitionLog{ID: "r1", FromState: cur.State, ToState: "cancelled", TransitionedAt: end}, nil
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, got.EndedAt)
		assert.True(t, got.EndedAt.Equal(end))
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e1 := newEncounter("e1", base)
		e2 := newEncounter("e2", base.Add(time.Minute))
		e2.Subject = model.Subject{Type: "car", ID: "car456"}
		e3 := newEncounter("e3", base.Add(2*time.Minute))
		e3.DefinitionKey = "intake_only"
		for _, e := range []model.Encounter{e1, e2, e3} {
			require.NoError(t, s.Create(ctx, e))
		}
		_, _, err := s.ApplyTransition(ctx, "e1", move("diagnosed", base.Add(time.Hour)))
		require.NoError(t, err)

		all, err := s.List(ctx, Filters{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "e3", all[0].ID, "newest first")

		byDef, err := s.List(ctx, Filters{DefinitionKey: "repair_job"})
		require.NoError(t, err)
		assert.Len(t, byDef, 2)

		byState, err := s.List(ctx, Filters{State: "diagnosed"})
		require.NoError(t, err)
		require.Len(t, byState, 1)
		assert.Equal(t, "e1", byState[0].ID)

		bySubject, err := s.List(ctx, Filters{Subject: model.Subject{Type: "car", ID: "car456"}})
		require.NoError(t, err)
		require.Len(t, bySubject, 1)
		assert.Equal(t, "e2", bySubject[0].ID)

		paged, err := s.List(ctx, Filters{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, "e2", paged[0].ID)
	})

	t.Run("references definition", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newEncounter("e1", base)))

		used, err := s.ReferencesDefinition(ctx, "repair_job")
		require.NoError(t, err)
		assert.True(t, used)
		used, err = s.ReferencesDefinition(ctx, "other")
		require.NoError(t, err)
		assert.False(t, used)
	})
}
