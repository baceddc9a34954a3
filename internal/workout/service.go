package workout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peakform/trainhub/internal/notify"
	"github.com/peakform/trainhub/internal/telemetry/metrics"
	"github.com/peakform/trainhub/internal/telemetry/tracing"
	"github.com/peakform/trainhub/internal/templates"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type sessionRepo interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	GetActiveSession(ctx context.Context, customerID uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, customerID uuid.UUID, page, size int) ([]Session, int, error)
	UpdateSession(ctx context.Context, session *Session) error
	GetExerciseWithSession(ctx context.Context, exerciseSessionID uuid.UUID) (*ExerciseSession, *Session, error)
	UpdateExerciseSession(ctx context.Context, es *ExerciseSession) error
	AddSet(ctx context.Context, set *SetSession) error
	GetSetWithSession(ctx context.Context, setID uuid.UUID) (*SetSession, *Session, error)
	UpdateSet(ctx context.Context, set *SetSession) error
	DeleteSet(ctx context.Context, setID uuid.UUID) error
	PreviousExecution(ctx context.Context, customerID, exerciseID uuid.UUID) ([]SetSession, error)
}

type templateResolver interface {
	Resolve(ctx context.Context, templateID uuid.UUID) (*templates.WorkoutTemplate, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, event notify.Event)
}

// Service enforces the session state machine, the single-active-session
// invariant and ownership checks; all mutations go through it.
type Service struct {
	repo       sessionRepo
	templates  templateResolver
	dispatcher eventDispatcher
	cache      *SessionCache
	metrics    *metrics.Manager

	// injectable for tests
	NowFunc func() time.Time
}

func NewService(
	repo sessionRepo,
	templateResolver templateResolver,
	dispatcher eventDispatcher,
	cache *SessionCache,
	metricsManager *metrics.Manager,
) *Service {
	return &Service{
		repo:       repo,
		templates:  templateResolver,
		dispatcher: dispatcher,
		cache:      cache,
		metrics:    metricsManager,
		NowFunc:    time.Now,
	}
}

// Start begins a new workout session from the given template.
// ErrSessionConflict when the customer already has one in progress,
// ErrNotFound when the template does not resolve to an active one.
func (s *Service) Start(ctx context.Context, customerID, templateID uuid.UUID) (_ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.start")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", customerID.String()))
	span.SetAttributes(attribute.String("template.id", templateID.String()))

	template, err := s.templates.Resolve(ctx, templateID)
	if err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			return nil, fmt.Errorf("%w: template %s", ErrNotFound, templateID)
		}
		return nil, fmt.Errorf("resolve template: %w", err)
	}

	now := s.NowFunc()
	session := &Session{
		ID:          uuid.New(),
		CustomerID:  customerID,
		TemplateID:  template.ID,
		RoutineID:   template.RoutineID,
		Status:      SessionInProgress,
		TotalVolume: 0,
		StartedAt:   now,
	}

	// order and exercise ids are snapshotted from the template here;
	// template edits after this point do not touch the running session
	session.Exercises = make([]ExerciseSession, 0, len(template.Exercises))
	for _, et := range template.Exercises {
		session.Exercises = append(session.Exercises, ExerciseSession{
			ID:         uuid.New(),
			SessionID:  session.ID,
			TemplateID: et.ID,
			ExerciseID: et.ExerciseID,
			Order:      et.Order,
			Status:     ExerciseNotStarted,
		})
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.cache.InvalidateActive(ctx, customerID)
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:       notify.WorkoutStarted,
		SessionID:  session.ID,
		CustomerID: customerID,
		Timestamp:  now,
	})
	if s.metrics != nil {
		s.metrics.CounterSessionsStarted.Inc()
	}

	span.SetAttributes(attribute.String("session.id", session.ID.String()))
	return session, nil
}

type CompleteParams struct {
	DifficultyRating *int   `json:"difficultyRating,omitempty"`
	EnergyRating     *int   `json:"energyRating,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

func (p CompleteParams) validate() error {
	if p.DifficultyRating != nil && (*p.DifficultyRating < 1 || *p.DifficultyRating > 5) {
		return fmt.Errorf("%w: difficulty rating must be between 1 and 5", ErrValidation)
	}
	if p.EnergyRating != nil && (*p.EnergyRating < 1 || *p.EnergyRating > 5) {
		return fmt.Errorf("%w: energy rating must be between 1 and 5", ErrValidation)
	}
	return nil
}

// Complete terminates an in-progress session. Completing an already
// terminal session fails with ErrInvalidState, so a retried complete
// can never double-apply.
func (s *Service) Complete(ctx context.Context, sessionID, customerID uuid.UUID, params CompleteParams) (_ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.complete")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("session.id", sessionID.String()))

	if err := params.validate(); err != nil {
		return nil, err
	}

	session, err := s.ownedSession(ctx, sessionID, customerID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionInProgress {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	now := s.NowFunc()
	durationMinutes := int(now.Sub(session.StartedAt).Minutes())

	session.Status = SessionCompleted
	session.CompletedAt = &now
	session.DurationMinutes = &durationMinutes
	session.DifficultyRating = params.DifficultyRating
	session.EnergyRating = params.EnergyRating
	if params.Notes != "" {
		session.Notes = params.Notes
	}

	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	s.cache.InvalidateActive(ctx, customerID)
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:       notify.WorkoutCompleted,
		SessionID:  session.ID,
		CustomerID: customerID,
		Timestamp:  now,
	})
	if s.metrics != nil {
		s.metrics.CounterSessionsCompleted.Inc()
	}

	return session, nil
}

// Cancel transitions an in-progress session to cancelled. Cancelling a
// terminal session is an ErrInvalidState, not a silent no-op.
func (s *Service) Cancel(ctx context.Context, sessionID, customerID uuid.UUID) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.cancel")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("session.id", sessionID.String()))

	session, err := s.ownedSession(ctx, sessionID, customerID)
	if err != nil {
		return err
	}
	if session.Status != SessionInProgress {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	now := s.NowFunc()
	session.Status = SessionCancelled
	session.CompletedAt = &now

	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return err
	}

	s.cache.InvalidateActive(ctx, customerID)
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:       notify.WorkoutCancelled,
		SessionID:  session.ID,
		CustomerID: customerID,
		Timestamp:  now,
	})
	if s.metrics != nil {
		s.metrics.CounterSessionsCancelled.Inc()
	}

	return nil
}

// GetActive returns the customer's in-progress session with everything
// nested, or nil when there is none - no active session is a regular
// answer here, not an error.
func (s *Service) GetActive(ctx context.Context, customerID uuid.UUID) (_ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.getActive")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", customerID.String()))

	if session, found := s.cache.GetActive(ctx, customerID); found {
		span.SetAttributes(attribute.Bool("from-cache", true))
		return session, nil
	}

	session, err := s.repo.GetActiveSession(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	s.cache.SetActive(ctx, customerID, session)
	return session, nil
}

func (s *Service) GetByID(ctx context.Context, sessionID, customerID uuid.UUID) (_ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.getById")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("session.id", sessionID.String()))

	return s.ownedSession(ctx, sessionID, customerID)
}

// History returns one page of the customer's sessions, newest first.
func (s *Service) History(ctx context.Context, customerID uuid.UUID, page, size int) (_ []Session, total int, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.history")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", customerID.String()))
	span.SetAttributes(attribute.Int("page", page))
	span.SetAttributes(attribute.Int("size", size))

	return s.repo.ListSessions(ctx, customerID, page, size)
}

// StartExercise moves a not-started exercise session to in progress.
// Requires the parent session to be in progress.
func (s *Service) StartExercise(ctx context.Context, exerciseSessionID, customerID uuid.UUID) (_ *ExerciseSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.startExercise")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", exerciseSessionID.String()))

	es, err := s.ownedExerciseInProgressSession(ctx, exerciseSessionID, customerID)
	if err != nil {
		return nil, err
	}
	if es.Status != ExerciseNotStarted {
		return nil, fmt.Errorf("%w: exercise session is %s", ErrInvalidState, es.Status)
	}

	now := s.NowFunc()
	es.Status = ExerciseInProgress
	es.StartedAt = &now

	if err := s.repo.UpdateExerciseSession(ctx, es); err != nil {
		return nil, err
	}
	s.cache.InvalidateActive(ctx, customerID)
	return es, nil
}

func (s *Service) CompleteExercise(ctx context.Context, exerciseSessionID, customerID uuid.UUID, notes string) (_ *ExerciseSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.completeExercise")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", exerciseSessionID.String()))

	es, err := s.ownedExerciseInProgressSession(ctx, exerciseSessionID, customerID)
	if err != nil {
		return nil, err
	}
	if es.Status != ExerciseInProgress {
		return nil, fmt.Errorf("%w: exercise session is %s", ErrInvalidState, es.Status)
	}

	now := s.NowFunc()
	es.Status = ExerciseCompleted
	es.CompletedAt = &now
	if notes != "" {
		es.Notes = notes
	}

	if err := s.repo.UpdateExerciseSession(ctx, es); err != nil {
		return nil, err
	}
	s.cache.InvalidateActive(ctx, customerID)
	return es, nil
}

// SkipExercise marks the exercise as skipped. Allowed from not-started
// as well as in-progress: customers skip exercises they never touched.
func (s *Service) SkipExercise(ctx context.Context, exerciseSessionID, customerID uuid.UUID) (_ *ExerciseSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.skipExercise")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", exerciseSessionID.String()))

	es, err := s.ownedExerciseInProgressSession(ctx, exerciseSessionID, customerID)
	if err != nil {
		return nil, err
	}
	if es.Status.Terminal() {
		return nil, fmt.Errorf("%w: exercise session is %s", ErrInvalidState, es.Status)
	}

	now := s.NowFunc()
	es.Status = ExerciseSkipped
	es.CompletedAt = &now

	if err := s.repo.UpdateExerciseSession(ctx, es); err != nil {
		return nil, err
	}
	s.cache.InvalidateActive(ctx, customerID)
	return es, nil
}

func (s *Service) UpdateExerciseNotes(ctx context.Context, exerciseSessionID, customerID uuid.UUID, notes string) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.updateExerciseNotes")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", exerciseSessionID.String()))

	es, err := s.ownedExerciseInProgressSession(ctx, exerciseSessionID, customerID)
	if err != nil {
		return err
	}

	es.Notes = notes
	if err := s.repo.UpdateExerciseSession(ctx, es); err != nil {
		return err
	}
	s.cache.InvalidateActive(ctx, customerID)
	return nil
}

type RegisterSetParams struct {
	Load        *float64 `json:"load,omitempty"`
	Reps        *int     `json:"reps,omitempty"`
	RestSeconds *int     `json:"restSeconds,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// RegisterSet appends a set to the exercise session. The set number is
// assigned server-side; a number supplied by the client is ignored, so
// the contiguous 1..N sequence can never get gaps from the outside.
func (s *Service) RegisterSet(ctx context.Context, exerciseSessionID, customerID uuid.UUID, params RegisterSetParams) (_ *SetSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.registerSet")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", exerciseSessionID.String()))

	if params.Reps != nil && *params.Reps < 0 {
		return nil, fmt.Errorf("%w: reps must not be negative", ErrValidation)
	}
	if params.Load != nil && *params.Load < 0 {
		return nil, fmt.Errorf("%w: load must not be negative", ErrValidation)
	}

	if _, err := s.ownedExerciseInProgressSession(ctx, exerciseSessionID, customerID); err != nil {
		return nil, err
	}

	now := s.NowFunc()
	set := &SetSession{
		ID:                uuid.New(),
		ExerciseSessionID: exerciseSessionID,
		Load:              params.Load,
		Reps:              params.Reps,
		RestSeconds:       params.RestSeconds,
		Completed:         true,
		Notes:             params.Notes,
		StartedAt:         &now,
		CompletedAt:       &now,
	}

	if err := s.repo.AddSet(ctx, set); err != nil {
		return nil, err
	}

	s.cache.InvalidateActive(ctx, customerID)
	if s.metrics != nil {
		s.metrics.CounterSetsRegistered.Inc()
	}

	span.SetAttributes(attribute.Int("set.number", set.SetNumber))
	return set, nil
}

type UpdateSetParams struct {
	Load        *float64 `json:"load,omitempty"`
	Reps        *int     `json:"reps,omitempty"`
	RestSeconds *int     `json:"restSeconds,omitempty"`
	Notes       *string  `json:"notes,omitempty"`
	Completed   *bool    `json:"completed,omitempty"`
}

// UpdateSet applies a partial edit; absent fields stay untouched. The
// volume delta is computed and applied by the repo within the same
// transaction as the edit.
func (s *Service) UpdateSet(ctx context.Context, setID, customerID uuid.UUID, params UpdateSetParams) (_ *SetSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.updateSet")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("set.id", setID.String()))

	if params.Reps != nil && *params.Reps < 0 {
		return nil, fmt.Errorf("%w: reps must not be negative", ErrValidation)
	}
	if params.Load != nil && *params.Load < 0 {
		return nil, fmt.Errorf("%w: load must not be negative", ErrValidation)
	}

	set, session, err := s.repo.GetSetWithSession(ctx, setID)
	if err != nil {
		return nil, err
	}
	if session.CustomerID != customerID {
		return nil, fmt.Errorf("%w: set %s", ErrNotFound, setID)
	}
	if session.Status != SessionInProgress {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	if params.Load != nil {
		set.Load = params.Load
	}
	if params.Reps != nil {
		set.Reps = params.Reps
	}
	if params.RestSeconds != nil {
		set.RestSeconds = params.RestSeconds
	}
	if params.Notes != nil {
		set.Notes = *params.Notes
	}
	if params.Completed != nil {
		set.Completed = *params.Completed
	}

	if err := s.repo.UpdateSet(ctx, set); err != nil {
		return nil, err
	}

	s.cache.InvalidateActive(ctx, customerID)
	return set, nil
}

// DeleteSet removes a set; the repo renumbers the remaining sets of
// the exercise session to 1..N and subtracts the volume contribution.
func (s *Service) DeleteSet(ctx context.Context, setID, customerID uuid.UUID) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.deleteSet")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("set.id", setID.String()))

	_, session, err := s.repo.GetSetWithSession(ctx, setID)
	if err != nil {
		return err
	}
	if session.CustomerID != customerID {
		return fmt.Errorf("%w: set %s", ErrNotFound, setID)
	}
	if session.Status != SessionInProgress {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	if err := s.repo.DeleteSet(ctx, setID); err != nil {
		return err
	}

	s.cache.InvalidateActive(ctx, customerID)
	return nil
}

// PreviousExecution returns the sets of the customer's most recent
// completed run of the exercise, for the client's previous load/reps
// hints.
func (s *Service) PreviousExecution(ctx context.Context, customerID, exerciseID uuid.UUID) (_ []SetSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "service.workout.previousExecution")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise.id", exerciseID.String()))

	return s.repo.PreviousExecution(ctx, customerID, exerciseID)
}

// ownedSession loads a session and verifies ownership; a mismatch
// reads as not found so existence is not leaked across customers.
func (s *Service) ownedSession(ctx context.Context, sessionID, customerID uuid.UUID) (*Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CustomerID != customerID {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return session, nil
}

// ownedExerciseInProgressSession loads the exercise session, checks
// ownership through the parent session relation and requires the
// parent to still be in progress.
func (s *Service) ownedExerciseInProgressSession(ctx context.Context, exerciseSessionID, customerID uuid.UUID) (*ExerciseSession, error) {
	es, session, err := s.repo.GetExerciseWithSession(ctx, exerciseSessionID)
	if err != nil {
		return nil, err
	}
	if session.CustomerID != customerID {
		return nil, fmt.Errorf("%w: exercise session %s", ErrNotFound, exerciseSessionID)
	}
	if session.Status != SessionInProgress {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}
	return es, nil
}
