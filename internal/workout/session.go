package workout

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further session mutations are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

type ExerciseStatus string

const (
	ExerciseNotStarted ExerciseStatus = "not_started"
	ExerciseInProgress ExerciseStatus = "in_progress"
	ExerciseCompleted  ExerciseStatus = "completed"
	ExerciseSkipped    ExerciseStatus = "skipped"
)

func (s ExerciseStatus) Terminal() bool {
	return s == ExerciseCompleted || s == ExerciseSkipped
}

// Session is one end-to-end workout for a customer, from start to
// completion or cancellation. At most one in-progress session exists
// per customer at any time.
type Session struct {
	ID               uuid.UUID     `json:"id"`
	CustomerID       uuid.UUID     `json:"customerId"`
	TemplateID       uuid.UUID     `json:"templateId"`
	RoutineID        *uuid.UUID    `json:"routineId,omitempty"`
	Status           SessionStatus `json:"status"`
	TotalVolume      float64       `json:"totalVolume"`
	DurationMinutes  *int          `json:"durationMinutes,omitempty"`
	DifficultyRating *int          `json:"difficultyRating,omitempty"`
	EnergyRating     *int          `json:"energyRating,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`

	Exercises []ExerciseSession `json:"exercises,omitempty"`
}

// ExerciseSession tracks one exercise's progress within a session.
// Order and exercise id are copied from the template when the session
// starts, so later template edits never alter an in-flight workout.
type ExerciseSession struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   uuid.UUID      `json:"sessionId"`
	TemplateID  uuid.UUID      `json:"templateId"`
	ExerciseID  uuid.UUID      `json:"exerciseId"`
	Order       int            `json:"order"`
	Status      ExerciseStatus `json:"status"`
	Notes       string         `json:"notes,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`

	Sets []SetSession `json:"sets,omitempty"`
}

// SetSession is one executed set. Set numbers within an exercise
// session are contiguous 1..N; deleting a set renumbers the remainder.
type SetSession struct {
	ID                uuid.UUID  `json:"id"`
	ExerciseSessionID uuid.UUID  `json:"exerciseSessionId"`
	SetNumber         int        `json:"setNumber"`
	Load              *float64   `json:"load,omitempty"`
	Reps              *int       `json:"reps,omitempty"`
	RestSeconds       *int       `json:"restSeconds,omitempty"`
	Completed         bool       `json:"completed"`
	Notes             string     `json:"notes,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}
