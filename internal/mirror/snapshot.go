package mirror

import (
	"time"

	"github.com/google/uuid"
)

// The mirror holds a client-side snapshot of the active workout so the
// tracking UI works through network loss: reads are served locally and
// edits are applied here first, then pushed to the server by the
// reconciler.

type WorkoutSnapshot struct {
	SessionID   uuid.UUID  `json:"sessionId"`
	TemplateID  uuid.UUID  `json:"templateId"`
	RoutineID   *uuid.UUID `json:"routineId,omitempty"`
	Title       string     `json:"title,omitempty"`
	TotalVolume float64    `json:"totalVolume"`
	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Exercises []ExerciseSnapshot `json:"exercises"`
}

type ExerciseSnapshot struct {
	ID         uuid.UUID `json:"id"`
	ExerciseID uuid.UUID `json:"exerciseId"`
	Order      int       `json:"order"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	TargetSets int       `json:"targetSets"`

	Sets []SetSnapshot `json:"sets"`
}

// SetSnapshot carries, next to the set itself, the load and reps from
// the customer's previous execution of the exercise, used by the UI as
// placeholder hints.
type SetSnapshot struct {
	ID           uuid.UUID `json:"id"`
	SetNumber    int       `json:"setNumber"`
	Load         *float64  `json:"load,omitempty"`
	Reps         *int      `json:"reps,omitempty"`
	RestSeconds  *int      `json:"restSeconds,omitempty"`
	Completed    bool      `json:"completed"`
	Notes        string    `json:"notes,omitempty"`
	PreviousLoad *float64  `json:"previousLoad,omitempty"`
	PreviousReps *int      `json:"previousReps,omitempty"`
}

// CompletedVolume sums load×reps over completed sets across all
// exercises; a set with either side missing contributes zero.
func (w *WorkoutSnapshot) CompletedVolume() float64 {
	var total float64
	for i := range w.Exercises {
		for _, set := range w.Exercises[i].Sets {
			if set.Completed && set.Load != nil && set.Reps != nil {
				total += *set.Load * float64(*set.Reps)
			}
		}
	}
	return total
}

// TotalCompletedSets counts completed sets across all exercises.
func (w *WorkoutSnapshot) TotalCompletedSets() int {
	var count int
	for i := range w.Exercises {
		for _, set := range w.Exercises[i].Sets {
			if set.Completed {
				count++
			}
		}
	}
	return count
}

func (w *WorkoutSnapshot) findExercise(exerciseSessionID uuid.UUID) *ExerciseSnapshot {
	for i := range w.Exercises {
		if w.Exercises[i].ID == exerciseSessionID {
			return &w.Exercises[i]
		}
	}
	return nil
}
