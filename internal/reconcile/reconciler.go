package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peakform/trainhub/internal/mirror"
	"github.com/peakform/trainhub/internal/workout"

	"github.com/coocood/freecache"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is how often the authoritative session is
	// refetched while a workout screen is open.
	DefaultPollInterval = 30 * time.Second

	// DefaultCancelRefetchDelay covers the race where another device
	// starts a new workout right as this one cancels.
	DefaultCancelRefetchDelay = 2 * time.Second

	previousExecutionCacheSize = 512 * 1024
	previousExecutionTTL       = 30 * 60 // seconds
)

type apiClient interface {
	StartWorkout(ctx context.Context, templateID uuid.UUID) (*workout.Session, error)
	CompleteWorkout(ctx context.Context, sessionID uuid.UUID, params workout.CompleteParams) (*workout.Session, error)
	CancelWorkout(ctx context.Context, sessionID uuid.UUID) error
	GetActiveWorkout(ctx context.Context) (*workout.Session, error)
	StartExercise(ctx context.Context, exerciseSessionID uuid.UUID) (*workout.ExerciseSession, error)
	CompleteExercise(ctx context.Context, exerciseSessionID uuid.UUID, notes string) (*workout.ExerciseSession, error)
	SkipExercise(ctx context.Context, exerciseSessionID uuid.UUID) (*workout.ExerciseSession, error)
	UpdateExerciseNotes(ctx context.Context, exerciseSessionID uuid.UUID, notes string) error
	RegisterSet(ctx context.Context, exerciseSessionID uuid.UUID, params workout.RegisterSetParams) (*workout.SetSession, error)
	UpdateSet(ctx context.Context, setID uuid.UUID, params workout.UpdateSetParams) (*workout.SetSession, error)
	DeleteSet(ctx context.Context, setID uuid.UUID) error
	PreviousExecution(ctx context.Context, exerciseID uuid.UUID) ([]workout.SetSession, error)
}

// Reconciler sits between the local mirror and the server. Edits are
// applied to the mirror first so the UI never waits on the network,
// then pushed; when a push fails the mirror is re-seeded from the
// server, which stays authoritative throughout.
type Reconciler struct {
	api       apiClient
	store     *mirror.Store
	prevCache *freecache.Cache

	PollInterval       time.Duration
	CancelRefetchDelay time.Duration

	mu       sync.Mutex
	stopPoll chan struct{}
	pollDone chan struct{}
	wg       sync.WaitGroup
}

func NewReconciler(api apiClient, store *mirror.Store) *Reconciler {
	return &Reconciler{
		api:                api,
		store:              store,
		prevCache:          freecache.NewCache(previousExecutionCacheSize),
		PollInterval:       DefaultPollInterval,
		CancelRefetchDelay: DefaultCancelRefetchDelay,
	}
}

// RefreshActive pulls the authoritative active session and re-seeds the
// mirror from it. Called on app mount, on screen focus and by the
// poller. Locally seeded placeholder sets (nothing logged yet) survive
// the refresh; everything else is replaced by server state.
func (r *Reconciler) RefreshActive(ctx context.Context) error {
	session, err := r.api.GetActiveWorkout(ctx)
	if err != nil {
		return fmt.Errorf("get active workout: %w", err)
	}

	if session == nil {
		// server says no workout; a session completed or cancelled on
		// another device disappears here too
		if r.store.HasActiveWorkout() {
			if err := r.store.Clear(); err != nil {
				return fmt.Errorf("clear mirror: %w", err)
			}
		}
		return nil
	}

	existing, err := r.store.Get()
	if err != nil && !errors.Is(err, mirror.ErrNoActiveWorkout) {
		return fmt.Errorf("get mirror snapshot: %w", err)
	}

	snapshot := snapshotFromSession(session)
	if existing != nil && existing.SessionID == session.ID {
		carryOverLocalOnlyState(snapshot, existing)
	}

	if err := r.store.Save(snapshot); err != nil {
		return fmt.Errorf("save mirror snapshot: %w", err)
	}
	return nil
}

// StartPolling launches a background refresh loop. A second call
// replaces the previous loop.
func (r *Reconciler) StartPolling(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopPollLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	r.stopPoll = stop
	r.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RefreshActive(ctx); err != nil {
					log.Errorf("refresh active workout: %s", err)
				}
			}
		}
	}()
}

// StopPolling terminates the refresh loop and waits for it to exit.
func (r *Reconciler) StopPolling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopPollLocked()
}

func (r *Reconciler) stopPollLocked() {
	if r.stopPoll == nil {
		return
	}
	close(r.stopPoll)
	<-r.pollDone
	r.stopPoll = nil
	r.pollDone = nil
}

// StartWorkout starts a session on the server and seeds the mirror.
func (r *Reconciler) StartWorkout(ctx context.Context, templateID uuid.UUID) (*mirror.WorkoutSnapshot, error) {
	session, err := r.api.StartWorkout(ctx, templateID)
	if err != nil {
		return nil, err
	}

	snapshot := snapshotFromSession(session)
	if err := r.store.Save(snapshot); err != nil {
		return nil, fmt.Errorf("save mirror snapshot: %w", err)
	}
	return snapshot, nil
}

// CompleteWorkout finishes the session server-side and drops the
// mirror. The completed session data lives on the server from here.
func (r *Reconciler) CompleteWorkout(ctx context.Context, params workout.CompleteParams) (*workout.Session, error) {
	sessionID, _, err := r.store.ActiveWorkoutInfo()
	if err != nil {
		return nil, err
	}

	session, err := r.api.CompleteWorkout(ctx, sessionID, params)
	if err != nil {
		return nil, err
	}

	r.prevCache.Clear()
	if err := r.store.Clear(); err != nil {
		return nil, fmt.Errorf("clear mirror: %w", err)
	}
	return session, nil
}

// CancelWorkout cancels server-side, clears the mirror (the Clear
// broadcast pops every open tracking screen), then refetches shortly
// after in case another device started a new session meanwhile.
func (r *Reconciler) CancelWorkout(ctx context.Context) error {
	sessionID, _, err := r.store.ActiveWorkoutInfo()
	if err != nil {
		return err
	}

	if err := r.api.CancelWorkout(ctx, sessionID); err != nil {
		return err
	}

	r.prevCache.Clear()
	if err := r.store.Clear(); err != nil {
		return fmt.Errorf("clear mirror: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		time.Sleep(r.CancelRefetchDelay)
		refetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.RefreshActive(refetchCtx); err != nil {
			log.Errorf("post-cancel refresh: %s", err)
		}
	}()

	return nil
}

// Wait blocks until background work (the post-cancel refetch) is done.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// RegisterSet applies optimistically to the mirror, then pushes. On
// success the locally assigned id and number are replaced by the
// server's; on failure the mirror is rolled back from server state.
func (r *Reconciler) RegisterSet(ctx context.Context, exerciseSessionID uuid.UUID, params workout.RegisterSetParams) error {
	localSet := mirror.SetSnapshot{
		ID:          uuid.New(),
		Load:        params.Load,
		Reps:        params.Reps,
		RestSeconds: params.RestSeconds,
		Notes:       params.Notes,
		Completed:   true,
	}
	if err := r.store.AddSet(exerciseSessionID, localSet); err != nil {
		return err
	}

	serverSet, err := r.api.RegisterSet(ctx, exerciseSessionID, params)
	if err != nil {
		r.rollback(ctx, "register set", err)
		return err
	}

	// swap the temporary local row for the server one
	if err := r.store.DeleteSet(exerciseSessionID, localSet.ID); err != nil {
		return err
	}
	return r.store.AddSet(exerciseSessionID, mirror.SetSnapshot{
		ID:          serverSet.ID,
		Load:        serverSet.Load,
		Reps:        serverSet.Reps,
		RestSeconds: serverSet.RestSeconds,
		Notes:       serverSet.Notes,
		Completed:   serverSet.Completed,
	})
}

// UpdateSet edits the mirror first, then pushes.
func (r *Reconciler) UpdateSet(ctx context.Context, exerciseSessionID uuid.UUID, set mirror.SetSnapshot, params workout.UpdateSetParams) error {
	if err := r.store.UpdateSet(exerciseSessionID, set); err != nil {
		return err
	}

	if _, err := r.api.UpdateSet(ctx, set.ID, params); err != nil {
		r.rollback(ctx, "update set", err)
		return err
	}
	return nil
}

// DeleteSet removes from the mirror first, then pushes.
func (r *Reconciler) DeleteSet(ctx context.Context, exerciseSessionID, setID uuid.UUID) error {
	if err := r.store.DeleteSet(exerciseSessionID, setID); err != nil {
		return err
	}

	if err := r.api.DeleteSet(ctx, setID); err != nil {
		r.rollback(ctx, "delete set", err)
		return err
	}
	return nil
}

func (r *Reconciler) StartExercise(ctx context.Context, exerciseSessionID uuid.UUID) error {
	if err := r.store.SetExerciseStatus(exerciseSessionID, string(workout.ExerciseInProgress)); err != nil {
		return err
	}
	if _, err := r.api.StartExercise(ctx, exerciseSessionID); err != nil {
		r.rollback(ctx, "start exercise", err)
		return err
	}
	return nil
}

func (r *Reconciler) CompleteExercise(ctx context.Context, exerciseSessionID uuid.UUID, notes string) error {
	if err := r.store.SetExerciseStatus(exerciseSessionID, string(workout.ExerciseCompleted)); err != nil {
		return err
	}
	if _, err := r.api.CompleteExercise(ctx, exerciseSessionID, notes); err != nil {
		r.rollback(ctx, "complete exercise", err)
		return err
	}
	return nil
}

func (r *Reconciler) SkipExercise(ctx context.Context, exerciseSessionID uuid.UUID) error {
	if err := r.store.SetExerciseStatus(exerciseSessionID, string(workout.ExerciseSkipped)); err != nil {
		return err
	}
	if _, err := r.api.SkipExercise(ctx, exerciseSessionID); err != nil {
		r.rollback(ctx, "skip exercise", err)
		return err
	}
	return nil
}

func (r *Reconciler) UpdateExerciseNotes(ctx context.Context, exerciseSessionID uuid.UUID, notes string) error {
	if err := r.store.UpdateExerciseNotes(exerciseSessionID, notes); err != nil {
		return err
	}
	if err := r.api.UpdateExerciseNotes(ctx, exerciseSessionID, notes); err != nil {
		r.rollback(ctx, "update exercise notes", err)
		return err
	}
	return nil
}

// PreviousExecution returns the previous load/reps hints for the
// exercise, cached for the length of a typical session - the previous
// execution cannot change while the current workout is running.
func (r *Reconciler) PreviousExecution(ctx context.Context, exerciseID uuid.UUID) ([]workout.SetSession, error) {
	key := exerciseID[:]
	if cached, err := r.prevCache.Get(key); err == nil {
		var sets []workout.SetSession
		if err := json.Unmarshal(cached, &sets); err == nil {
			return sets, nil
		}
		log.Errorf("failed to unmarshal cached previous execution for [%s]", exerciseID)
	}

	sets, err := r.api.PreviousExecution(ctx, exerciseID)
	if err != nil {
		return nil, err
	}

	if setsJson, err := json.Marshal(sets); err == nil {
		if err := r.prevCache.Set(key, setsJson, previousExecutionTTL); err != nil {
			log.Errorf("failed to cache previous execution for [%s]: %s", exerciseID, err)
		}
	}

	return sets, nil
}

// rollback restores the mirror from server state after a failed push.
// An optimistic local edit must never survive a server rejection.
func (r *Reconciler) rollback(ctx context.Context, op string, cause error) {
	log.Errorf("failed to %s (%s), rolling mirror back to server state", op, cause)
	if err := r.RefreshActive(ctx); err != nil {
		log.Errorf("rollback refresh after failed %s: %s", op, err)
	}
}

// snapshotFromSession converts the authoritative session into mirror
// form. Previous-execution hints are attached separately by the UI via
// InitializeExerciseSets.
func snapshotFromSession(session *workout.Session) *mirror.WorkoutSnapshot {
	snapshot := &mirror.WorkoutSnapshot{
		SessionID:   session.ID,
		TemplateID:  session.TemplateID,
		RoutineID:   session.RoutineID,
		TotalVolume: session.TotalVolume,
		StartedAt:   session.StartedAt,
	}

	snapshot.Exercises = make([]mirror.ExerciseSnapshot, 0, len(session.Exercises))
	for _, es := range session.Exercises {
		exercise := mirror.ExerciseSnapshot{
			ID:         es.ID,
			ExerciseID: es.ExerciseID,
			Order:      es.Order,
			Status:     string(es.Status),
			Notes:      es.Notes,
		}
		exercise.Sets = make([]mirror.SetSnapshot, 0, len(es.Sets))
		for _, set := range es.Sets {
			exercise.Sets = append(exercise.Sets, mirror.SetSnapshot{
				ID:          set.ID,
				SetNumber:   set.SetNumber,
				Load:        set.Load,
				Reps:        set.Reps,
				RestSeconds: set.RestSeconds,
				Completed:   set.Completed,
				Notes:       set.Notes,
			})
		}
		snapshot.Exercises = append(snapshot.Exercises, exercise)
	}
	return snapshot
}

// carryOverLocalOnlyState preserves what only the client knows: seeded
// placeholder rows nothing was logged into yet, and the previous
// load/reps hints. Placeholders are appended after the server's sets
// and renumbered.
func carryOverLocalOnlyState(snapshot, existing *mirror.WorkoutSnapshot) {
	for i := range snapshot.Exercises {
		fresh := &snapshot.Exercises[i]

		var old *mirror.ExerciseSnapshot
		for j := range existing.Exercises {
			if existing.Exercises[j].ID == fresh.ID {
				old = &existing.Exercises[j]
				break
			}
		}
		if old == nil {
			continue
		}

		fresh.TargetSets = old.TargetSets

		serverSetIDs := make(map[uuid.UUID]struct{}, len(fresh.Sets))
		for _, set := range fresh.Sets {
			serverSetIDs[set.ID] = struct{}{}
		}

		for _, set := range old.Sets {
			if _, onServer := serverSetIDs[set.ID]; onServer {
				continue
			}
			if set.Load != nil || set.Reps != nil || set.Completed {
				// a local edit the server rejected or never saw;
				// server wins, drop it
				continue
			}
			set.SetNumber = len(fresh.Sets) + 1
			fresh.Sets = append(fresh.Sets, set)
		}

		// re-attach previous hints positionally
		for k := range fresh.Sets {
			if k < len(old.Sets) {
				fresh.Sets[k].PreviousLoad = old.Sets[k].PreviousLoad
				fresh.Sets[k].PreviousReps = old.Sets[k].PreviousReps
			}
		}
	}
}
