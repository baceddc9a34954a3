package workout

import (
	"context"
	"testing"
	"time"

	"github.com/peakform/trainhub/internal/notify"
	"github.com/peakform/trainhub/internal/telemetry/metrics"
	"github.com/peakform/trainhub/internal/templates"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

type serviceTestTools struct {
	service    *Service
	repo       *repoMock
	resolver   *resolverMock
	dispatcher *dispatcherMock
	template   *templates.WorkoutTemplate
	customerID uuid.UUID
}

func newServiceTestTools(t *testing.T) *serviceTestTools {
	t.Helper()

	templateID := uuid.New()
	template := &templates.WorkoutTemplate{
		ID:     templateID,
		Title:  "push day",
		Active: true,
		Exercises: []templates.ExerciseTemplate{
			{ID: uuid.New(), TemplateID: templateID, ExerciseID: uuid.New(), Order: 1, TargetSets: 3},
			{ID: uuid.New(), TemplateID: templateID, ExerciseID: uuid.New(), Order: 2, TargetSets: 4},
			{ID: uuid.New(), TemplateID: templateID, ExerciseID: uuid.New(), Order: 3, TargetSets: 3},
		},
	}

	repo := newRepoMock()
	resolver := newResolverMock(template)
	dispatcher := &dispatcherMock{}
	service := NewService(repo, resolver, dispatcher, nil, metrics.NewTestManager())

	return &serviceTestTools{
		service:    service,
		repo:       repo,
		resolver:   resolver,
		dispatcher: dispatcher,
		template:   template,
		customerID: uuid.New(),
	}
}

func TestService_Start(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, SessionInProgress, session.Status)
	assert.Equal(t, tools.customerID, session.CustomerID)
	assert.Zero(t, session.TotalVolume)
	require.Len(t, session.Exercises, 3)
	for i, es := range session.Exercises {
		assert.Equal(t, i+1, es.Order)
		assert.Equal(t, ExerciseNotStarted, es.Status)
		assert.Equal(t, tools.template.Exercises[i].ExerciseID, es.ExerciseID)
	}

	assert.Equal(t, []notify.EventType{notify.WorkoutStarted}, tools.dispatcher.eventTypes())
}

func TestService_Start_SecondSessionConflicts(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	_, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	_, err = tools.service.Start(ctx, tools.customerID, tools.template.ID)
	assert.ErrorIs(t, err, ErrSessionConflict)

	// a different customer is not affected
	_, err = tools.service.Start(ctx, uuid.New(), tools.template.ID)
	assert.NoError(t, err)
}

func TestService_Start_TemplateNotFound(t *testing.T) {
	tools := newServiceTestTools(t)

	_, err := tools.service.Start(context.Background(), tools.customerID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Complete(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	startedAt := time.Date(2026, 2, 10, 18, 0, 0, 0, time.UTC)
	tools.service.NowFunc = func() time.Time { return startedAt }

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	// 47 minutes and 50 seconds later; duration is floored to 47
	tools.service.NowFunc = func() time.Time { return startedAt.Add(47*time.Minute + 50*time.Second) }

	completed, err := tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{
		DifficultyRating: intPtr(4),
		EnergyRating:     intPtr(3),
		Notes:            "solid",
	})
	require.NoError(t, err)

	assert.Equal(t, SessionCompleted, completed.Status)
	require.NotNil(t, completed.DurationMinutes)
	assert.Equal(t, 47, *completed.DurationMinutes)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, 4, *completed.DifficultyRating)
	assert.Equal(t, "solid", completed.Notes)

	// completing again must not double-apply
	_, err = tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{})
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t,
		[]notify.EventType{notify.WorkoutStarted, notify.WorkoutCompleted},
		tools.dispatcher.eventTypes(),
	)
}

func TestService_Complete_RatingValidation(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	_, err = tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{
		DifficultyRating: intPtr(6),
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{
		EnergyRating: intPtr(0),
	})
	assert.ErrorIs(t, err, ErrValidation)

	// session untouched by the failed attempts
	got, err := tools.service.GetByID(ctx, session.ID, tools.customerID)
	require.NoError(t, err)
	assert.Equal(t, SessionInProgress, got.Status)
}

func TestService_Cancel(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	require.NoError(t, tools.service.Cancel(ctx, session.ID, tools.customerID))

	err = tools.service.Cancel(ctx, session.ID, tools.customerID)
	assert.ErrorIs(t, err, ErrInvalidState)

	active, err := tools.service.GetActive(ctx, tools.customerID)
	require.NoError(t, err)
	assert.Nil(t, active)

	// cancelled session frees the slot for a new one
	_, err = tools.service.Start(ctx, tools.customerID, tools.template.ID)
	assert.NoError(t, err)
}

func TestService_GetActive_NoneIsNotAnError(t *testing.T) {
	tools := newServiceTestTools(t)

	session, err := tools.service.GetActive(context.Background(), tools.customerID)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestService_OwnershipMismatchReadsAsNotFound(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	otherCustomer := uuid.New()

	_, err = tools.service.GetByID(ctx, session.ID, otherCustomer)
	assert.ErrorIs(t, err, ErrNotFound)

	err = tools.service.Cancel(ctx, session.ID, otherCustomer)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tools.service.StartExercise(ctx, session.Exercises[0].ID, otherCustomer)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tools.service.RegisterSet(ctx, session.Exercises[0].ID, otherCustomer, RegisterSetParams{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ExerciseStateMachine(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	first := session.Exercises[0].ID
	second := session.Exercises[1].ID
	third := session.Exercises[2].ID

	// complete requires in-progress
	_, err = tools.service.CompleteExercise(ctx, first, tools.customerID, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	es, err := tools.service.StartExercise(ctx, first, tools.customerID)
	require.NoError(t, err)
	assert.Equal(t, ExerciseInProgress, es.Status)
	require.NotNil(t, es.StartedAt)

	// starting twice is invalid
	_, err = tools.service.StartExercise(ctx, first, tools.customerID)
	assert.ErrorIs(t, err, ErrInvalidState)

	es, err = tools.service.CompleteExercise(ctx, first, tools.customerID, "felt heavy")
	require.NoError(t, err)
	assert.Equal(t, ExerciseCompleted, es.Status)
	assert.Equal(t, "felt heavy", es.Notes)

	// terminal exercise cannot be skipped
	_, err = tools.service.SkipExercise(ctx, first, tools.customerID)
	assert.ErrorIs(t, err, ErrInvalidState)

	// skip straight from not-started is fine
	es, err = tools.service.SkipExercise(ctx, second, tools.customerID)
	require.NoError(t, err)
	assert.Equal(t, ExerciseSkipped, es.Status)

	// skip from in-progress too
	_, err = tools.service.StartExercise(ctx, third, tools.customerID)
	require.NoError(t, err)
	es, err = tools.service.SkipExercise(ctx, third, tools.customerID)
	require.NoError(t, err)
	assert.Equal(t, ExerciseSkipped, es.Status)
}

func TestService_ExerciseMutationsRequireActiveSession(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	exerciseID := session.Exercises[0].ID

	_, err = tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{})
	require.NoError(t, err)

	_, err = tools.service.StartExercise(ctx, exerciseID, tools.customerID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
		Load: floatPtr(60),
		Reps: intPtr(8),
	})
	assert.ErrorIs(t, err, ErrInvalidState)

	err = tools.service.UpdateExerciseNotes(ctx, exerciseID, tools.customerID, "late note")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestService_RegisterSet(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	exerciseID := session.Exercises[0].ID

	set1, err := tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
		Load: floatPtr(80),
		Reps: intPtr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, set1.SetNumber)
	assert.True(t, set1.Completed)

	set2, err := tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
		Load: floatPtr(85),
		Reps: intPtr(8),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, set2.SetNumber)

	// bodyweight set, null load and reps contribute zero volume
	set3, err := tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, set3.SetNumber)

	got, err := tools.service.GetByID(ctx, session.ID, tools.customerID)
	require.NoError(t, err)
	assert.InDelta(t, 80*10+85*8, got.TotalVolume, 0.0001)
}

func TestService_RegisterSet_Validation(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	exerciseID := session.Exercises[0].ID

	_, err = tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
		Reps: intPtr(-1),
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
		Load: floatPtr(-20),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_UpdateSet(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	exerciseID := session.Exercises[0].ID

	set, err := tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
		Load:  floatPtr(100),
		Reps:  intPtr(5),
		Notes: "first",
	})
	require.NoError(t, err)

	// partial edit: only reps change, notes and load stay
	updated, err := tools.service.UpdateSet(ctx, set.ID, tools.customerID, UpdateSetParams{
		Reps: intPtr(6),
	})
	require.NoError(t, err)
	assert.Equal(t, 6, *updated.Reps)
	assert.Equal(t, 100.0, *updated.Load)
	assert.Equal(t, "first", updated.Notes)
	assert.Equal(t, set.SetNumber, updated.SetNumber)

	got, err := tools.service.GetByID(ctx, session.ID, tools.customerID)
	require.NoError(t, err)
	assert.InDelta(t, 600, got.TotalVolume, 0.0001)
}

func TestService_DeleteSet_RenumbersRemaining(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)
	exerciseID := session.Exercises[0].ID

	var sets []*SetSession
	for i := 0; i < 4; i++ {
		set, err := tools.service.RegisterSet(ctx, exerciseID, tools.customerID, RegisterSetParams{
			Load: floatPtr(float64(50 + i*10)),
			Reps: intPtr(10),
		})
		require.NoError(t, err)
		sets = append(sets, set)
	}

	// delete set number 2; 3 and 4 shift down
	require.NoError(t, tools.service.DeleteSet(ctx, sets[1].ID, tools.customerID))

	got, err := tools.service.GetByID(ctx, session.ID, tools.customerID)
	require.NoError(t, err)
	require.Len(t, got.Exercises[0].Sets, 3)
	for i, ss := range got.Exercises[0].Sets {
		assert.Equal(t, i+1, ss.SetNumber)
	}
	assert.InDelta(t, 50*10+70*10+80*10, got.TotalVolume, 0.0001)
}

// TestService_VolumeMatchesRecompute drives a random sequence of set
// operations and checks that the incrementally maintained total always
// equals a from-scratch recompute over the stored sets.
func TestService_VolumeMatchesRecompute(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()
	faker := gofakeit.New(42)

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	var setIDs []uuid.UUID
	for i := 0; i < 60; i++ {
		exerciseID := session.Exercises[faker.Number(0, len(session.Exercises)-1)].ID

		switch op := faker.Number(0, 9); {
		case op < 6 || len(setIDs) == 0:
			params := RegisterSetParams{}
			if faker.Bool() {
				params.Load = floatPtr(faker.Float64Range(2.5, 200))
			}
			if faker.Bool() {
				params.Reps = intPtr(faker.Number(1, 20))
			}
			set, err := tools.service.RegisterSet(ctx, exerciseID, tools.customerID, params)
			require.NoError(t, err)
			setIDs = append(setIDs, set.ID)
		case op < 8:
			setID := setIDs[faker.Number(0, len(setIDs)-1)]
			_, err := tools.service.UpdateSet(ctx, setID, tools.customerID, UpdateSetParams{
				Load: floatPtr(faker.Float64Range(2.5, 200)),
				Reps: intPtr(faker.Number(1, 20)),
			})
			require.NoError(t, err)
		default:
			idx := faker.Number(0, len(setIDs)-1)
			require.NoError(t, tools.service.DeleteSet(ctx, setIDs[idx], tools.customerID))
			setIDs = append(setIDs[:idx], setIDs[idx+1:]...)
		}

		got, err := tools.service.GetByID(ctx, session.ID, tools.customerID)
		require.NoError(t, err)

		var recomputed float64
		for _, es := range got.Exercises {
			recomputed += SessionVolume(es.Sets)
		}
		require.InDelta(t, recomputed, got.TotalVolume, 0.001)

		// set numbers stay contiguous per exercise session
		for _, es := range got.Exercises {
			for i, ss := range es.Sets {
				require.Equal(t, i+1, ss.SetNumber)
			}
		}
	}
}

func TestService_History(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tools.service.NowFunc = func() time.Time { return now.Add(time.Duration(i) * 24 * time.Hour) }
		session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
		require.NoError(t, err)
		_, err = tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{})
		require.NoError(t, err)
	}

	page1, total, err := tools.service.History(ctx, tools.customerID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	// newest first
	assert.True(t, page1[0].StartedAt.After(page1[1].StartedAt))

	page3, total, err := tools.service.History(ctx, tools.customerID, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page3, 1)
}

func TestService_PreviousExecution(t *testing.T) {
	tools := newServiceTestTools(t)
	ctx := context.Background()
	exercise := tools.template.Exercises[0]

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tools.service.NowFunc = func() time.Time { return now }

	session, err := tools.service.Start(ctx, tools.customerID, tools.template.ID)
	require.NoError(t, err)

	_, err = tools.service.RegisterSet(ctx, session.Exercises[0].ID, tools.customerID, RegisterSetParams{
		Load: floatPtr(60),
		Reps: intPtr(12),
	})
	require.NoError(t, err)
	_, err = tools.service.RegisterSet(ctx, session.Exercises[0].ID, tools.customerID, RegisterSetParams{
		Load: floatPtr(65),
		Reps: intPtr(10),
	})
	require.NoError(t, err)

	// nothing completed yet, so no previous execution
	prev, err := tools.service.PreviousExecution(ctx, tools.customerID, exercise.ExerciseID)
	require.NoError(t, err)
	assert.Empty(t, prev)

	_, err = tools.service.Complete(ctx, session.ID, tools.customerID, CompleteParams{})
	require.NoError(t, err)

	prev, err = tools.service.PreviousExecution(ctx, tools.customerID, exercise.ExerciseID)
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, 60.0, *prev[0].Load)
	assert.Equal(t, 12, *prev[0].Reps)

	// another customer never sees it
	prev, err = tools.service.PreviousExecution(ctx, uuid.New(), exercise.ExerciseID)
	require.NoError(t, err)
	assert.Empty(t, prev)
}
