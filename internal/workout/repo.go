package workout

import (
	"context"
	"errors"
	"fmt"

	"github.com/peakform/trainhub/internal/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

const uniqueViolationCode = "23505"

type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{
		db: db,
	}
}

// CreateSession persists a new in-progress session together with its
// exercise sessions, atomically. The check-then-act window between two
// concurrent starts for the same customer is closed twice: a per-customer
// advisory lock serializes the check, and the partial unique index on
// (customer_id) WHERE status = 'in_progress' backstops it.
func (r *Repo) CreateSession(ctx context.Context, session *Session) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.createSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", session.CustomerID.String()))

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				err = fmt.Errorf("failed to rollback transaction: %w: %w", rollbackErr, err)
			}
		} else {
			err = tx.Commit(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`,
		"workout-start::"+session.CustomerID.String(),
	); err != nil {
		return fmt.Errorf("acquire customer lock: %w", err)
	}

	var activeCount int
	if err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM workout_session WHERE customer_id = $1 AND status = $2;`,
		session.CustomerID, SessionInProgress,
	).Scan(&activeCount); err != nil {
		return fmt.Errorf("check active session: %w", err)
	}
	if activeCount > 0 {
		return ErrSessionConflict
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO workout_session
				(id, customer_id, template_id, routine_id, status, total_volume, notes, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`,
		session.ID, session.CustomerID, session.TemplateID, session.RoutineID,
		session.Status, session.TotalVolume, session.Notes, session.StartedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrSessionConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}

	for i := range session.Exercises {
		es := &session.Exercises[i]
		if _, err = tx.Exec(ctx,
			`INSERT INTO exercise_session
					(id, session_id, template_id, exercise_id, ord, status, notes)
				VALUES ($1, $2, $3, $4, $5, $6, $7);`,
			es.ID, es.SessionID, es.TemplateID, es.ExerciseID, es.Order, es.Status, es.Notes,
		); err != nil {
			return fmt.Errorf("insert exercise session %d: %w", es.Order, err)
		}
	}

	return nil
}

// GetSession returns the session with its exercise sessions and sets nested.
func (r *Repo) GetSession(ctx context.Context, id uuid.UUID) (_ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.getSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("session.id", id.String()))

	session := &Session{}
	err = r.db.QueryRow(ctx,
		`SELECT id, customer_id, template_id, routine_id, status, total_volume,
				duration_minutes, difficulty_rating, energy_rating, COALESCE(notes, ''),
				started_at, completed_at
			FROM workout_session WHERE id = $1;`,
		id,
	).Scan(
		&session.ID, &session.CustomerID, &session.TemplateID, &session.RoutineID,
		&session.Status, &session.TotalVolume, &session.DurationMinutes,
		&session.DifficultyRating, &session.EnergyRating, &session.Notes,
		&session.StartedAt, &session.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if session.Exercises, err = r.exercisesOfSession(ctx, session.ID); err != nil {
		return nil, err
	}

	return session, nil
}

// GetActiveSession returns the single in-progress session of the
// customer, ErrNotFound when there is none.
func (r *Repo) GetActiveSession(ctx context.Context, customerID uuid.UUID) (_ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.getActiveSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", customerID.String()))

	var sessionID uuid.UUID
	err = r.db.QueryRow(ctx,
		`SELECT id FROM workout_session WHERE customer_id = $1 AND status = $2;`,
		customerID, SessionInProgress,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active session id: %w", err)
	}

	return r.GetSession(ctx, sessionID)
}

// ListSessions returns one history page, newest first, without nested
// exercises, plus the total count for the customer.
func (r *Repo) ListSessions(ctx context.Context, customerID uuid.UUID, page, size int) (_ []Session, total int, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.listSessions")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", customerID.String()))
	span.SetAttributes(attribute.Int("page", page))
	span.SetAttributes(attribute.Int("size", size))

	if page < 1 {
		return nil, -1, fmt.Errorf("%w: page must be greater than 0", ErrValidation)
	}
	if size < 1 {
		return nil, -1, fmt.Errorf("%w: size must be greater than 0", ErrValidation)
	}

	if err = r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workout_session WHERE customer_id = $1;`,
		customerID,
	).Scan(&total); err != nil {
		return nil, -1, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, customer_id, template_id, routine_id, status, total_volume,
				duration_minutes, difficulty_rating, energy_rating, COALESCE(notes, ''),
				started_at, completed_at
			FROM workout_session
			WHERE customer_id = $1
			ORDER BY started_at DESC
			LIMIT $2 OFFSET $3;`,
		customerID, size, (page-1)*size,
	)
	if err != nil {
		return nil, -1, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var s Session
		if err = rows.Scan(
			&s.ID, &s.CustomerID, &s.TemplateID, &s.RoutineID,
			&s.Status, &s.TotalVolume, &s.DurationMinutes,
			&s.DifficultyRating, &s.EnergyRating, &s.Notes,
			&s.StartedAt, &s.CompletedAt,
		); err != nil {
			return nil, -1, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, -1, fmt.Errorf("rows: %w", err)
	}

	return sessions, total, nil
}

// UpdateSession persists terminal transition fields and ratings/notes.
func (r *Repo) UpdateSession(ctx context.Context, session *Session) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.updateSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("session.id", session.ID.String()))

	tag, err := r.db.Exec(ctx,
		`UPDATE workout_session
			SET status = $1, completed_at = $2, duration_minutes = $3,
				difficulty_rating = $4, energy_rating = $5, notes = $6
			WHERE id = $7;`,
		session.Status, session.CompletedAt, session.DurationMinutes,
		session.DifficultyRating, session.EnergyRating, session.Notes,
		session.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExerciseWithSession returns the exercise session and its owning
// session (shallow, no nested collections), used for ownership and
// state checks via relation traversal.
func (r *Repo) GetExerciseWithSession(ctx context.Context, exerciseSessionID uuid.UUID) (_ *ExerciseSession, _ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.getExerciseWithSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", exerciseSessionID.String()))

	es := &ExerciseSession{}
	session := &Session{}
	err = r.db.QueryRow(ctx,
		`SELECT es.id, es.session_id, es.template_id, es.exercise_id, es.ord, es.status,
				COALESCE(es.notes, ''), es.started_at, es.completed_at,
				ws.id, ws.customer_id, ws.template_id, ws.status, ws.total_volume, ws.started_at
			FROM exercise_session es
			JOIN workout_session ws ON ws.id = es.session_id
			WHERE es.id = $1;`,
		exerciseSessionID,
	).Scan(
		&es.ID, &es.SessionID, &es.TemplateID, &es.ExerciseID, &es.Order, &es.Status,
		&es.Notes, &es.StartedAt, &es.CompletedAt,
		&session.ID, &session.CustomerID, &session.TemplateID, &session.Status,
		&session.TotalVolume, &session.StartedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get exercise session: %w", err)
	}

	return es, session, nil
}

func (r *Repo) UpdateExerciseSession(ctx context.Context, es *ExerciseSession) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.updateExerciseSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", es.ID.String()))

	tag, err := r.db.Exec(ctx,
		`UPDATE exercise_session
			SET status = $1, notes = $2, started_at = $3, completed_at = $4
			WHERE id = $5;`,
		es.Status, es.Notes, es.StartedAt, es.CompletedAt, es.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSet appends a set to the exercise session. The set number is
// assigned server-side as current count + 1, under a row lock on the
// owning exercise session so concurrent appends cannot produce gaps or
// duplicates. The session volume delta is applied in the same
// transaction.
func (r *Repo) AddSet(ctx context.Context, set *SetSession) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.addSet")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("exercise_session.id", set.ExerciseSessionID.String()))

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				err = fmt.Errorf("failed to rollback transaction: %w: %w", rollbackErr, err)
			}
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var sessionID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT session_id FROM exercise_session WHERE id = $1 FOR UPDATE;`,
		set.ExerciseSessionID,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock exercise session: %w", err)
	}

	if err = tx.QueryRow(ctx,
		`SELECT COUNT(*) + 1 FROM set_session WHERE exercise_session_id = $1;`,
		set.ExerciseSessionID,
	).Scan(&set.SetNumber); err != nil {
		return fmt.Errorf("next set number: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO set_session
				(id, exercise_session_id, set_number, load, reps, rest_seconds, completed, notes, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`,
		set.ID, set.ExerciseSessionID, set.SetNumber, set.Load, set.Reps,
		set.RestSeconds, set.Completed, set.Notes, set.StartedAt, set.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert set: %w", err)
	}

	if err = applyVolumeDelta(ctx, tx, sessionID, SetVolume(set.Load, set.Reps)); err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("set.number", set.SetNumber))
	return nil
}

// GetSetWithSession returns the set and its owning session (shallow),
// traversing set -> exercise session -> session.
func (r *Repo) GetSetWithSession(ctx context.Context, setID uuid.UUID) (_ *SetSession, _ *Session, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.getSetWithSession")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("set.id", setID.String()))

	set := &SetSession{}
	session := &Session{}
	err = r.db.QueryRow(ctx,
		`SELECT ss.id, ss.exercise_session_id, ss.set_number, ss.load, ss.reps,
				ss.rest_seconds, ss.completed, COALESCE(ss.notes, ''), ss.started_at, ss.completed_at,
				ws.id, ws.customer_id, ws.template_id, ws.status, ws.total_volume, ws.started_at
			FROM set_session ss
			JOIN exercise_session es ON es.id = ss.exercise_session_id
			JOIN workout_session ws ON ws.id = es.session_id
			WHERE ss.id = $1;`,
		setID,
	).Scan(
		&set.ID, &set.ExerciseSessionID, &set.SetNumber, &set.Load, &set.Reps,
		&set.RestSeconds, &set.Completed, &set.Notes, &set.StartedAt, &set.CompletedAt,
		&session.ID, &session.CustomerID, &session.TemplateID, &session.Status,
		&session.TotalVolume, &session.StartedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get set: %w", err)
	}

	return set, session, nil
}

// UpdateSet persists a set edit and applies the volume delta (new
// contribution minus prior contribution) to the owning session in the
// same transaction, keeping the update O(1) regardless of set count.
func (r *Repo) UpdateSet(ctx context.Context, set *SetSession) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.updateSet")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("set.id", set.ID.String()))

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				err = fmt.Errorf("failed to rollback transaction: %w: %w", rollbackErr, err)
			}
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var (
		oldLoad   *float64
		oldReps   *int
		sessionID uuid.UUID
	)
	err = tx.QueryRow(ctx,
		`SELECT ss.load, ss.reps, es.session_id
			FROM set_session ss
			JOIN exercise_session es ON es.id = ss.exercise_session_id
			WHERE ss.id = $1
			FOR UPDATE OF ss;`,
		set.ID,
	).Scan(&oldLoad, &oldReps, &sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock set: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`UPDATE set_session
			SET load = $1, reps = $2, rest_seconds = $3, completed = $4, notes = $5,
				started_at = $6, completed_at = $7
			WHERE id = $8;`,
		set.Load, set.Reps, set.RestSeconds, set.Completed, set.Notes,
		set.StartedAt, set.CompletedAt, set.ID,
	); err != nil {
		return fmt.Errorf("update set: %w", err)
	}

	delta := SetVolume(set.Load, set.Reps) - SetVolume(oldLoad, oldReps)
	return applyVolumeDelta(ctx, tx, sessionID, delta)
}

// DeleteSet removes the set, renumbers the remaining sets of the
// exercise session back to a contiguous 1..N sequence preserving their
// relative order, and subtracts the set's volume contribution. All in
// one transaction.
func (r *Repo) DeleteSet(ctx context.Context, setID uuid.UUID) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.deleteSet")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("set.id", setID.String()))

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				err = fmt.Errorf("failed to rollback transaction: %w: %w", rollbackErr, err)
			}
		} else {
			err = tx.Commit(ctx)
		}
	}()

	var (
		oldLoad           *float64
		oldReps           *int
		deletedNumber     int
		exerciseSessionID uuid.UUID
		sessionID         uuid.UUID
	)
	err = tx.QueryRow(ctx,
		`SELECT ss.load, ss.reps, ss.set_number, ss.exercise_session_id, es.session_id
			FROM set_session ss
			JOIN exercise_session es ON es.id = ss.exercise_session_id
			WHERE ss.id = $1
			FOR UPDATE OF ss;`,
		setID,
	).Scan(&oldLoad, &oldReps, &deletedNumber, &exerciseSessionID, &sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock set: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM set_session WHERE id = $1;`, setID); err != nil {
		return fmt.Errorf("delete set: %w", err)
	}

	// close the gap left by the deleted set
	if _, err = tx.Exec(ctx,
		`UPDATE set_session SET set_number = set_number - 1
			WHERE exercise_session_id = $1 AND set_number > $2;`,
		exerciseSessionID, deletedNumber,
	); err != nil {
		return fmt.Errorf("renumber sets: %w", err)
	}

	return applyVolumeDelta(ctx, tx, sessionID, -SetVolume(oldLoad, oldReps))
}

// PreviousExecution returns the sets the customer performed for the
// given exercise in their most recent completed session, newest first
// by session, ordered by set number. Feeds the client mirror's
// previous load/reps hints.
func (r *Repo) PreviousExecution(ctx context.Context, customerID, exerciseID uuid.UUID) (_ []SetSession, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.workout.previousExecution")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("customer.id", customerID.String()))
	span.SetAttributes(attribute.String("exercise.id", exerciseID.String()))

	rows, err := r.db.Query(ctx,
		`SELECT ss.id, ss.exercise_session_id, ss.set_number, ss.load, ss.reps,
				ss.rest_seconds, ss.completed, COALESCE(ss.notes, ''), ss.started_at, ss.completed_at
			FROM set_session ss
			JOIN exercise_session es ON es.id = ss.exercise_session_id
			JOIN workout_session ws ON ws.id = es.session_id
			WHERE ws.customer_id = $1
				AND es.exercise_id = $2
				AND ws.status = $3
				AND es.session_id = (
					SELECT es2.session_id
					FROM exercise_session es2
					JOIN workout_session ws2 ON ws2.id = es2.session_id
					WHERE ws2.customer_id = $1 AND es2.exercise_id = $2 AND ws2.status = $3
					ORDER BY ws2.started_at DESC
					LIMIT 1
				)
			ORDER BY ss.set_number;`,
		customerID, exerciseID, SessionCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("query previous execution: %w", err)
	}
	defer rows.Close()

	return rows2sets(rows)
}

func (r *Repo) exercisesOfSession(ctx context.Context, sessionID uuid.UUID) ([]ExerciseSession, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, session_id, template_id, exercise_id, ord, status,
				COALESCE(notes, ''), started_at, completed_at
			FROM exercise_session
			WHERE session_id = $1
			ORDER BY ord;`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query exercise sessions: %w", err)
	}
	defer rows.Close()

	exercises := make([]ExerciseSession, 0)
	for rows.Next() {
		var es ExerciseSession
		if err := rows.Scan(
			&es.ID, &es.SessionID, &es.TemplateID, &es.ExerciseID, &es.Order,
			&es.Status, &es.Notes, &es.StartedAt, &es.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exercise session: %w", err)
		}
		exercises = append(exercises, es)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	for i := range exercises {
		if exercises[i].Sets, err = r.setsOfExercise(ctx, exercises[i].ID); err != nil {
			return nil, err
		}
	}

	return exercises, nil
}

func (r *Repo) setsOfExercise(ctx context.Context, exerciseSessionID uuid.UUID) ([]SetSession, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, exercise_session_id, set_number, load, reps, rest_seconds,
				completed, COALESCE(notes, ''), started_at, completed_at
			FROM set_session
			WHERE exercise_session_id = $1
			ORDER BY set_number;`,
		exerciseSessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sets: %w", err)
	}
	defer rows.Close()

	return rows2sets(rows)
}

func rows2sets(rows pgx.Rows) ([]SetSession, error) {
	sets := make([]SetSession, 0)
	for rows.Next() {
		var s SetSession
		if err := rows.Scan(
			&s.ID, &s.ExerciseSessionID, &s.SetNumber, &s.Load, &s.Reps,
			&s.RestSeconds, &s.Completed, &s.Notes, &s.StartedAt, &s.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan set: %w", err)
		}
		sets = append(sets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return sets, nil
}

func applyVolumeDelta(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, delta float64) error {
	if delta == 0 {
		return nil
	}
	// GREATEST guards the non-negative total_volume constraint against
	// float drift when subtracting the last contribution
	if _, err := tx.Exec(ctx,
		`UPDATE workout_session SET total_volume = GREATEST(total_volume + $1, 0) WHERE id = $2;`,
		delta, sessionID,
	); err != nil {
		return fmt.Errorf("apply volume delta: %w", err)
	}
	return nil
}
