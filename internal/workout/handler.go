package workout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/peakform/trainhub/internal/auth"
	"github.com/peakform/trainhub/internal/telemetry/tracing"
	"github.com/peakform/trainhub/pkg"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type lifecycleService interface {
	Start(ctx context.Context, customerID, templateID uuid.UUID) (*Session, error)
	Complete(ctx context.Context, sessionID, customerID uuid.UUID, params CompleteParams) (*Session, error)
	Cancel(ctx context.Context, sessionID, customerID uuid.UUID) error
	GetActive(ctx context.Context, customerID uuid.UUID) (*Session, error)
	GetByID(ctx context.Context, sessionID, customerID uuid.UUID) (*Session, error)
	History(ctx context.Context, customerID uuid.UUID, page, size int) ([]Session, int, error)
	StartExercise(ctx context.Context, exerciseSessionID, customerID uuid.UUID) (*ExerciseSession, error)
	CompleteExercise(ctx context.Context, exerciseSessionID, customerID uuid.UUID, notes string) (*ExerciseSession, error)
	SkipExercise(ctx context.Context, exerciseSessionID, customerID uuid.UUID) (*ExerciseSession, error)
	UpdateExerciseNotes(ctx context.Context, exerciseSessionID, customerID uuid.UUID, notes string) error
	RegisterSet(ctx context.Context, exerciseSessionID, customerID uuid.UUID, params RegisterSetParams) (*SetSession, error)
	UpdateSet(ctx context.Context, setID, customerID uuid.UUID, params UpdateSetParams) (*SetSession, error)
	DeleteSet(ctx context.Context, setID, customerID uuid.UUID) error
	PreviousExecution(ctx context.Context, customerID, exerciseID uuid.UUID) ([]SetSession, error)
}

type StartSessionRequest struct {
	TemplateID uuid.UUID `json:"templateId"`
}

type UpdateNotesRequest struct {
	Notes string `json:"notes"`
}

type CompleteExerciseRequest struct {
	Notes string `json:"notes,omitempty"`
}

type HistoryResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
}

type DeleteSetResponse struct {
	DeletedID uuid.UUID `json:"deletedId"`
}

type PreviousExecutionResponse struct {
	Sets []SetSession `json:"sets"`
}

type Handler struct {
	service lifecycleService
}

func NewHandler(service lifecycleService) *Handler {
	return &Handler{
		service: service,
	}
}

func (handler *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.start")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("start workout, unmarshal json params: %s", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.TemplateID == uuid.Nil {
		http.Error(w, "error, template id empty", http.StatusBadRequest)
		return
	}

	session, err := handler.service.Start(ctx, customerID, req.TemplateID)
	if err != nil {
		writeServiceError(w, "start workout", err)
		return
	}

	sessionJson, err := json.Marshal(session)
	if err != nil {
		log.Errorf("failed to marshal started session: %s", err)
		http.Error(w, "error, failed to start workout", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, sessionJson, http.StatusCreated)
}

func (handler *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.complete")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var params CompleteParams
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			log.Tracef("complete workout, unmarshal json params: %s", err)
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}

	session, err := handler.service.Complete(ctx, sessionID, customerID, params)
	if err != nil {
		writeServiceError(w, "complete workout", err)
		return
	}

	sessionJson, err := json.Marshal(session)
	if err != nil {
		log.Errorf("failed to marshal completed session: %s", err)
		http.Error(w, "error, failed to complete workout", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, sessionJson, http.StatusOK)
}

func (handler *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.cancel")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := handler.service.Cancel(ctx, sessionID, customerID); err != nil {
		writeServiceError(w, "cancel workout", err)
		return
	}

	pkg.WriteTextResponseOK(w, "cancelled")
}

func (handler *Handler) HandleGetActive(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.getActive")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)

	session, err := handler.service.GetActive(ctx, customerID)
	if err != nil {
		writeServiceError(w, "get active workout", err)
		return
	}
	if session == nil {
		// no active session is a regular answer for this endpoint
		pkg.WriteResponseBytes(w, pkg.ContentType.JSON, []byte("null"), http.StatusOK)
		return
	}

	sessionJson, err := json.Marshal(session)
	if err != nil {
		log.Errorf("failed to marshal active session: %s", err)
		http.Error(w, "error, failed to get active workout", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, sessionJson, http.StatusOK)
}

func (handler *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.get")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	session, err := handler.service.GetByID(ctx, sessionID, customerID)
	if err != nil {
		writeServiceError(w, "get workout", err)
		return
	}

	sessionJson, err := json.Marshal(session)
	if err != nil {
		log.Errorf("failed to marshal session: %s", err)
		http.Error(w, "error, failed to get workout", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, sessionJson, http.StatusOK)
}

func (handler *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.history")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)

	vars := mux.Vars(r)
	page, err := strconv.Atoi(vars["page"])
	if err != nil || page < 1 {
		http.Error(w, "error, invalid page", http.StatusBadRequest)
		return
	}
	size, err := strconv.Atoi(vars["size"])
	if err != nil || size < 1 {
		http.Error(w, "error, invalid size", http.StatusBadRequest)
		return
	}

	sessions, total, err := handler.service.History(ctx, customerID, page, size)
	if err != nil {
		writeServiceError(w, "get workout history", err)
		return
	}

	respJson, err := json.Marshal(HistoryResponse{
		Sessions: sessions,
		Total:    total,
	})
	if err != nil {
		log.Errorf("failed to marshal workout history: %s", err)
		http.Error(w, "error, failed to get workout history", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, respJson, http.StatusOK)
}

func (handler *Handler) HandleStartExercise(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.startExercise")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	exerciseSessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	es, err := handler.service.StartExercise(ctx, exerciseSessionID, customerID)
	if err != nil {
		writeServiceError(w, "start exercise", err)
		return
	}

	handler.writeExerciseSession(w, es)
}

func (handler *Handler) HandleCompleteExercise(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.completeExercise")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	exerciseSessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req CompleteExerciseRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Tracef("complete exercise, unmarshal json params: %s", err)
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}

	es, err := handler.service.CompleteExercise(ctx, exerciseSessionID, customerID, req.Notes)
	if err != nil {
		writeServiceError(w, "complete exercise", err)
		return
	}

	handler.writeExerciseSession(w, es)
}

func (handler *Handler) HandleSkipExercise(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.skipExercise")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	exerciseSessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	es, err := handler.service.SkipExercise(ctx, exerciseSessionID, customerID)
	if err != nil {
		writeServiceError(w, "skip exercise", err)
		return
	}

	handler.writeExerciseSession(w, es)
}

func (handler *Handler) HandleUpdateExerciseNotes(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.updateExerciseNotes")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	exerciseSessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req UpdateNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("update exercise notes, unmarshal json params: %s", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := handler.service.UpdateExerciseNotes(ctx, exerciseSessionID, customerID, req.Notes); err != nil {
		writeServiceError(w, "update exercise notes", err)
		return
	}

	pkg.WriteTextResponseOK(w, "updated")
}

func (handler *Handler) HandleRegisterSet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.registerSet")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	exerciseSessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var params RegisterSetParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		log.Tracef("register set, unmarshal json params: %s", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	set, err := handler.service.RegisterSet(ctx, exerciseSessionID, customerID, params)
	if err != nil {
		writeServiceError(w, "register set", err)
		return
	}

	setJson, err := json.Marshal(set)
	if err != nil {
		log.Errorf("failed to marshal registered set: %s", err)
		http.Error(w, "error, failed to register set", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, setJson, http.StatusCreated)
}

func (handler *Handler) HandleUpdateSet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.updateSet")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	setID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var params UpdateSetParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		log.Tracef("update set, unmarshal json params: %s", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	set, err := handler.service.UpdateSet(ctx, setID, customerID, params)
	if err != nil {
		writeServiceError(w, "update set", err)
		return
	}

	setJson, err := json.Marshal(set)
	if err != nil {
		log.Errorf("failed to marshal updated set: %s", err)
		http.Error(w, "error, failed to update set", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, setJson, http.StatusOK)
}

func (handler *Handler) HandleDeleteSet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.deleteSet")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	setID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := handler.service.DeleteSet(ctx, setID, customerID); err != nil {
		writeServiceError(w, "delete set", err)
		return
	}

	respJson, err := json.Marshal(DeleteSetResponse{DeletedID: setID})
	if err != nil {
		log.Errorf("failed to marshal delete set response: %s", err)
		http.Error(w, "error, failed to delete set", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, respJson, http.StatusOK)
}

func (handler *Handler) HandlePreviousExecution(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.workout.previousExecution")
	defer span.End()

	customerID := auth.CustomerIDFromContext(ctx)
	exerciseID, ok := pathID(w, r, "exerciseId")
	if !ok {
		return
	}

	sets, err := handler.service.PreviousExecution(ctx, customerID, exerciseID)
	if err != nil {
		writeServiceError(w, "get previous execution", err)
		return
	}

	respJson, err := json.Marshal(PreviousExecutionResponse{Sets: sets})
	if err != nil {
		log.Errorf("failed to marshal previous execution: %s", err)
		http.Error(w, "error, failed to get previous execution", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, respJson, http.StatusOK)
}

func (handler *Handler) writeExerciseSession(w http.ResponseWriter, es *ExerciseSession) {
	esJson, err := json.Marshal(es)
	if err != nil {
		log.Errorf("failed to marshal exercise session: %s", err)
		http.Error(w, "error, failed to marshal exercise session", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, esJson, http.StatusOK)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	idStr := mux.Vars(r)[name]
	if idStr == "" {
		http.Error(w, "error, id empty", http.StatusBadRequest)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "error, invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps the error taxonomy to http status codes:
// not found 404, conflict and invalid state 409, validation 400,
// everything else 500.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrSessionConflict):
		http.Error(w, "another workout session is already in progress", http.StatusConflict)
	case errors.Is(err, ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Errorf("failed to %s: %s", op, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
