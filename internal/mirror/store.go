package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	activeWorkoutKey     = []byte("active-workout")
	activeWorkoutFlagKey = []byte("active-workout-flag")
)

var ErrNoActiveWorkout = errors.New("no active workout in mirror")

// Store is the durable local mirror of the active workout, backed by an
// embedded badger db so a crash or restart mid-workout loses nothing.
// All mutations go through the store; every successful write notifies
// Watch subscribers.
type Store struct {
	db *badger.DB

	mu       sync.Mutex
	watchers []chan struct{}
}

func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, w := range s.watchers {
		close(w)
	}
	s.watchers = nil
	s.mu.Unlock()

	return s.db.Close()
}

// Watch returns a channel that receives a signal after every mirror
// change. The channel is closed when the store closes. Signals are
// dropped, not queued, when the subscriber lags.
func (s *Store) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *Store) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Save overwrites the mirrored snapshot and sets the active flag.
func (s *Store) Save(snapshot *WorkoutSnapshot) error {
	snapshot.UpdatedAt = time.Now()

	snapshotJson, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(activeWorkoutKey, snapshotJson); err != nil {
			return err
		}
		return txn.Set(activeWorkoutFlagKey, []byte("1"))
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.broadcast()
	return nil
}

// Get returns the mirrored snapshot, ErrNoActiveWorkout when empty.
func (s *Store) Get() (*WorkoutSnapshot, error) {
	var snapshot WorkoutSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeWorkoutKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNoActiveWorkout
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snapshot, nil
}

// HasActiveWorkout checks the flag key only, without decoding the
// snapshot - cheap enough for UI code to call on every render.
func (s *Store) HasActiveWorkout() bool {
	var has bool
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(activeWorkoutFlagKey); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		has = true
		return nil
	})
	if err != nil {
		log.Errorf("failed to check active workout flag: %s", err)
		return false
	}
	return has
}

// ActiveWorkoutInfo returns the session id and start time of the
// mirrored workout.
func (s *Store) ActiveWorkoutInfo() (sessionID uuid.UUID, startedAt time.Time, err error) {
	snapshot, err := s.Get()
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	return snapshot.SessionID, snapshot.StartedAt, nil
}

// Clear drops the mirrored workout and the flag, then notifies
// watchers so every mounted screen leaves the tracking state together.
func (s *Store) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(activeWorkoutKey); err != nil {
			return err
		}
		return txn.Delete(activeWorkoutFlagKey)
	})
	if err != nil {
		return fmt.Errorf("clear mirror: %w", err)
	}

	s.broadcast()
	return nil
}

// mutate loads the snapshot, applies fn and saves the result back.
func (s *Store) mutate(fn func(snapshot *WorkoutSnapshot) error) error {
	snapshot, err := s.Get()
	if err != nil {
		return err
	}
	if err := fn(snapshot); err != nil {
		return err
	}
	return s.Save(snapshot)
}

// InitializeExerciseSets seeds empty set rows for the exercise: one per
// previous-execution set when there was one, otherwise the template's
// target count, at least one either way. A no-op unless the exercise
// has zero sets, so re-entering the screen never wipes logged work.
func (s *Store) InitializeExerciseSets(exerciseSessionID uuid.UUID, previous []SetSnapshot, targetSets int) error {
	return s.mutate(func(snapshot *WorkoutSnapshot) error {
		exercise := snapshot.findExercise(exerciseSessionID)
		if exercise == nil {
			return fmt.Errorf("exercise session %s not in mirror", exerciseSessionID)
		}
		if len(exercise.Sets) > 0 {
			return nil
		}

		count := targetSets
		if len(previous) > count {
			count = len(previous)
		}
		if count < 1 {
			count = 1
		}

		exercise.Sets = make([]SetSnapshot, 0, count)
		for i := 0; i < count; i++ {
			set := SetSnapshot{
				ID:        uuid.New(),
				SetNumber: i + 1,
			}
			if i < len(previous) {
				set.PreviousLoad = previous[i].Load
				set.PreviousReps = previous[i].Reps
			}
			exercise.Sets = append(exercise.Sets, set)
		}
		return nil
	})
}

// AddSet appends a set to the exercise, numbered after the last one.
func (s *Store) AddSet(exerciseSessionID uuid.UUID, set SetSnapshot) error {
	return s.mutate(func(snapshot *WorkoutSnapshot) error {
		exercise := snapshot.findExercise(exerciseSessionID)
		if exercise == nil {
			return fmt.Errorf("exercise session %s not in mirror", exerciseSessionID)
		}

		if set.ID == uuid.Nil {
			set.ID = uuid.New()
		}
		set.SetNumber = len(exercise.Sets) + 1
		exercise.Sets = append(exercise.Sets, set)

		if set.Load != nil && set.Reps != nil {
			snapshot.TotalVolume += *set.Load * float64(*set.Reps)
		}
		return nil
	})
}

// UpdateSet replaces the stored set with the given one, matched by id.
// The set number is preserved; the session volume is recomputed.
func (s *Store) UpdateSet(exerciseSessionID uuid.UUID, set SetSnapshot) error {
	return s.mutate(func(snapshot *WorkoutSnapshot) error {
		exercise := snapshot.findExercise(exerciseSessionID)
		if exercise == nil {
			return fmt.Errorf("exercise session %s not in mirror", exerciseSessionID)
		}

		for i := range exercise.Sets {
			if exercise.Sets[i].ID == set.ID {
				set.SetNumber = exercise.Sets[i].SetNumber
				set.PreviousLoad = exercise.Sets[i].PreviousLoad
				set.PreviousReps = exercise.Sets[i].PreviousReps
				exercise.Sets[i] = set
				recomputeVolume(snapshot)
				return nil
			}
		}
		return fmt.Errorf("set %s not in mirror", set.ID)
	})
}

// DeleteSet removes the set and renumbers the remaining sets of the
// exercise back to a contiguous 1..N run.
func (s *Store) DeleteSet(exerciseSessionID, setID uuid.UUID) error {
	return s.mutate(func(snapshot *WorkoutSnapshot) error {
		exercise := snapshot.findExercise(exerciseSessionID)
		if exercise == nil {
			return fmt.Errorf("exercise session %s not in mirror", exerciseSessionID)
		}

		remaining := exercise.Sets[:0]
		found := false
		for _, set := range exercise.Sets {
			if set.ID == setID {
				found = true
				continue
			}
			remaining = append(remaining, set)
		}
		if !found {
			return fmt.Errorf("set %s not in mirror", setID)
		}

		for i := range remaining {
			remaining[i].SetNumber = i + 1
		}
		exercise.Sets = remaining
		recomputeVolume(snapshot)
		return nil
	})
}

func (s *Store) UpdateExerciseNotes(exerciseSessionID uuid.UUID, notes string) error {
	return s.mutate(func(snapshot *WorkoutSnapshot) error {
		exercise := snapshot.findExercise(exerciseSessionID)
		if exercise == nil {
			return fmt.Errorf("exercise session %s not in mirror", exerciseSessionID)
		}
		exercise.Notes = notes
		return nil
	})
}

func (s *Store) SetExerciseStatus(exerciseSessionID uuid.UUID, status string) error {
	return s.mutate(func(snapshot *WorkoutSnapshot) error {
		exercise := snapshot.findExercise(exerciseSessionID)
		if exercise == nil {
			return fmt.Errorf("exercise session %s not in mirror", exerciseSessionID)
		}
		exercise.Status = status
		return nil
	})
}

// recomputeVolume rescans every set; the mirror is small enough that a
// full recompute on edit beats carrying delta bookkeeping here.
func recomputeVolume(snapshot *WorkoutSnapshot) {
	var total float64
	for i := range snapshot.Exercises {
		for _, set := range snapshot.Exercises[i].Sets {
			if set.Load != nil && set.Reps != nil {
				total += *set.Load * float64(*set.Reps)
			}
		}
	}
	snapshot.TotalVolume = total
}
