package templates

import (
	"context"
	"errors"
	"fmt"

	"github.com/peakform/trainhub/internal/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

// The template side (routines, workout templates, exercise templates)
// is owned by the authoring part of the platform. The tracking engine
// only ever reads it, at session start, through this resolver.

var ErrTemplateNotFound = errors.New("workout template not found")

type WorkoutTemplate struct {
	ID        uuid.UUID  `json:"id"`
	RoutineID *uuid.UUID `json:"routineId,omitempty"`
	Title     string     `json:"title"`
	Active    bool       `json:"active"`

	Exercises []ExerciseTemplate `json:"exercises"`
}

type ExerciseTemplate struct {
	ID         uuid.UUID `json:"id"`
	TemplateID uuid.UUID `json:"templateId"`
	ExerciseID uuid.UUID `json:"exerciseId"`
	Order      int       `json:"order"`
	TargetSets int       `json:"targetSets"`
}

type Resolver struct {
	db *pgxpool.Pool
}

func NewResolver(db *pgxpool.Pool) *Resolver {
	return &Resolver{
		db: db,
	}
}

// Resolve returns the active workout template with its exercises,
// ordered. ErrTemplateNotFound for missing or deactivated templates.
func (r *Resolver) Resolve(ctx context.Context, templateID uuid.UUID) (_ *WorkoutTemplate, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "templates.resolve")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("template.id", templateID.String()))

	template := &WorkoutTemplate{}
	err = r.db.QueryRow(ctx,
		`SELECT id, routine_id, title, active
			FROM workout_template
			WHERE id = $1 AND active;`,
		templateID,
	).Scan(&template.ID, &template.RoutineID, &template.Title, &template.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, template_id, exercise_id, ord, target_sets
			FROM exercise_template
			WHERE template_id = $1
			ORDER BY ord;`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query template exercises: %w", err)
	}
	defer rows.Close()

	template.Exercises = make([]ExerciseTemplate, 0)
	for rows.Next() {
		var et ExerciseTemplate
		if err := rows.Scan(&et.ID, &et.TemplateID, &et.ExerciseID, &et.Order, &et.TargetSets); err != nil {
			return nil, fmt.Errorf("scan template exercise: %w", err)
		}
		template.Exercises = append(template.Exercises, et)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return template, nil
}
