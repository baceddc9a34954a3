package mirror

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func testStoreSetup(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testSnapshot() *WorkoutSnapshot {
	return &WorkoutSnapshot{
		SessionID:  uuid.New(),
		TemplateID: uuid.New(),
		Title:      "pull day",
		StartedAt:  time.Now(),
		Exercises: []ExerciseSnapshot{
			{ID: uuid.New(), ExerciseID: uuid.New(), Order: 1, Status: "not_started", TargetSets: 3},
			{ID: uuid.New(), ExerciseID: uuid.New(), Order: 2, Status: "not_started", TargetSets: 4},
		},
	}
}

func TestStore_SaveGetClear(t *testing.T) {
	store := testStoreSetup(t)

	_, err := store.Get()
	assert.ErrorIs(t, err, ErrNoActiveWorkout)
	assert.False(t, store.HasActiveWorkout())

	snapshot := testSnapshot()
	require.NoError(t, store.Save(snapshot))
	assert.True(t, store.HasActiveWorkout())

	got, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, snapshot.SessionID, got.SessionID)
	assert.Len(t, got.Exercises, 2)
	assert.False(t, got.UpdatedAt.IsZero())

	sessionID, startedAt, err := store.ActiveWorkoutInfo()
	require.NoError(t, err)
	assert.Equal(t, snapshot.SessionID, sessionID)
	assert.WithinDuration(t, snapshot.StartedAt, startedAt, time.Second)

	require.NoError(t, store.Clear())
	assert.False(t, store.HasActiveWorkout())
	_, err = store.Get()
	assert.ErrorIs(t, err, ErrNoActiveWorkout)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	snapshot := testSnapshot()
	require.NoError(t, store.Save(snapshot))
	require.NoError(t, store.Close())

	// a crashed and restarted client finds the workout again
	reopened, err := NewStore(dir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()

	got, err := reopened.Get()
	require.NoError(t, err)
	assert.Equal(t, snapshot.SessionID, got.SessionID)
	assert.True(t, reopened.HasActiveWorkout())
}

func TestStore_InitializeExerciseSets(t *testing.T) {
	store := testStoreSetup(t)
	snapshot := testSnapshot()
	require.NoError(t, store.Save(snapshot))
	exerciseID := snapshot.Exercises[0].ID

	previous := []SetSnapshot{
		{Load: floatPtr(60), Reps: intPtr(12)},
		{Load: floatPtr(65), Reps: intPtr(10)},
	}

	// target sets (3) beats previous count (2)
	require.NoError(t, store.InitializeExerciseSets(exerciseID, previous, 3))

	got, err := store.Get()
	require.NoError(t, err)
	sets := got.Exercises[0].Sets
	require.Len(t, sets, 3)
	for i, set := range sets {
		assert.Equal(t, i+1, set.SetNumber)
		assert.Nil(t, set.Load)
		assert.False(t, set.Completed)
	}
	// previous hints attach positionally
	assert.Equal(t, 60.0, *sets[0].PreviousLoad)
	assert.Equal(t, 12, *sets[0].PreviousReps)
	assert.Equal(t, 65.0, *sets[1].PreviousLoad)
	assert.Nil(t, sets[2].PreviousLoad)

	// second call is a no-op, the seeded sets stay
	firstID := sets[0].ID
	require.NoError(t, store.InitializeExerciseSets(exerciseID, nil, 5))
	got, err = store.Get()
	require.NoError(t, err)
	require.Len(t, got.Exercises[0].Sets, 3)
	assert.Equal(t, firstID, got.Exercises[0].Sets[0].ID)
}

func TestStore_InitializeExerciseSets_AtLeastOne(t *testing.T) {
	store := testStoreSetup(t)
	snapshot := testSnapshot()
	require.NoError(t, store.Save(snapshot))

	require.NoError(t, store.InitializeExerciseSets(snapshot.Exercises[1].ID, nil, 0))

	got, err := store.Get()
	require.NoError(t, err)
	assert.Len(t, got.Exercises[1].Sets, 1)
}

func TestStore_SetOperations(t *testing.T) {
	store := testStoreSetup(t)
	snapshot := testSnapshot()
	require.NoError(t, store.Save(snapshot))
	exerciseID := snapshot.Exercises[0].ID

	require.NoError(t, store.AddSet(exerciseID, SetSnapshot{
		Load: floatPtr(100), Reps: intPtr(5), Completed: true,
	}))
	require.NoError(t, store.AddSet(exerciseID, SetSnapshot{
		Load: floatPtr(100), Reps: intPtr(4), Completed: false,
	}))

	got, err := store.Get()
	require.NoError(t, err)
	sets := got.Exercises[0].Sets
	require.Len(t, sets, 2)
	assert.Equal(t, 1, sets[0].SetNumber)
	assert.Equal(t, 2, sets[1].SetNumber)
	assert.InDelta(t, 900, got.TotalVolume, 0.0001)
	assert.InDelta(t, 500, got.CompletedVolume(), 0.0001)
	assert.Equal(t, 1, got.TotalCompletedSets())

	// edit the second set
	edited := sets[1]
	edited.Reps = intPtr(6)
	edited.Completed = true
	require.NoError(t, store.UpdateSet(exerciseID, edited))

	got, err = store.Get()
	require.NoError(t, err)
	assert.InDelta(t, 1100, got.TotalVolume, 0.0001)
	assert.Equal(t, 2, got.TotalCompletedSets())

	// delete the first, the second shifts down
	require.NoError(t, store.DeleteSet(exerciseID, sets[0].ID))
	got, err = store.Get()
	require.NoError(t, err)
	require.Len(t, got.Exercises[0].Sets, 1)
	assert.Equal(t, 1, got.Exercises[0].Sets[0].SetNumber)
	assert.InDelta(t, 600, got.TotalVolume, 0.0001)

	// unknown ids fail
	assert.Error(t, store.DeleteSet(exerciseID, uuid.New()))
	assert.Error(t, store.AddSet(uuid.New(), SetSnapshot{}))
}

func TestStore_ExerciseMutations(t *testing.T) {
	store := testStoreSetup(t)
	snapshot := testSnapshot()
	require.NoError(t, store.Save(snapshot))
	exerciseID := snapshot.Exercises[0].ID

	require.NoError(t, store.UpdateExerciseNotes(exerciseID, "drop set on the last one"))
	require.NoError(t, store.SetExerciseStatus(exerciseID, "skipped"))

	got, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, "drop set on the last one", got.Exercises[0].Notes)
	assert.Equal(t, "skipped", got.Exercises[0].Status)
}

func TestStore_WatchBroadcast(t *testing.T) {
	store := testStoreSetup(t)

	watcher := store.Watch()

	require.NoError(t, store.Save(testSnapshot()))

	select {
	case _, ok := <-watcher:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no mirror change signal received")
	}

	// clear notifies too
	require.NoError(t, store.Clear())
	select {
	case <-watcher:
	case <-time.After(time.Second):
		t.Fatal("no mirror clear signal received")
	}
}
