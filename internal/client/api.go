package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/peakform/trainhub/internal/middleware"
	"github.com/peakform/trainhub/internal/workout"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// API is the typed client for the workout tracking endpoints, used by
// the reconciliation layer to push mirror edits to the server and to
// pull the authoritative session back.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		},
	}
}

func (api *API) StartWorkout(ctx context.Context, templateID uuid.UUID) (*workout.Session, error) {
	var session workout.Session
	err := api.do(ctx, http.MethodPost, "/workouts/start",
		workout.StartSessionRequest{TemplateID: templateID}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (api *API) CompleteWorkout(ctx context.Context, sessionID uuid.UUID, params workout.CompleteParams) (*workout.Session, error) {
	var session workout.Session
	err := api.do(ctx, http.MethodPost,
		fmt.Sprintf("/workouts/%s/complete", sessionID), params, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (api *API) CancelWorkout(ctx context.Context, sessionID uuid.UUID) error {
	return api.do(ctx, http.MethodPost,
		fmt.Sprintf("/workouts/%s/cancel", sessionID), nil, nil)
}

// GetActiveWorkout returns nil without error when the customer has no
// in-progress session.
func (api *API) GetActiveWorkout(ctx context.Context) (*workout.Session, error) {
	var session *workout.Session
	if err := api.do(ctx, http.MethodGet, "/workouts/active", nil, &session); err != nil {
		return nil, err
	}
	return session, nil
}

func (api *API) GetWorkout(ctx context.Context, sessionID uuid.UUID) (*workout.Session, error) {
	var session workout.Session
	err := api.do(ctx, http.MethodGet, fmt.Sprintf("/workouts/%s", sessionID), nil, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (api *API) History(ctx context.Context, page, size int) (*workout.HistoryResponse, error) {
	var resp workout.HistoryResponse
	err := api.do(ctx, http.MethodGet,
		fmt.Sprintf("/workouts/history/page/%d/size/%d", page, size), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (api *API) StartExercise(ctx context.Context, exerciseSessionID uuid.UUID) (*workout.ExerciseSession, error) {
	var es workout.ExerciseSession
	err := api.do(ctx, http.MethodPost,
		fmt.Sprintf("/workouts/exercises/%s/start", exerciseSessionID), nil, &es)
	if err != nil {
		return nil, err
	}
	return &es, nil
}

func (api *API) CompleteExercise(ctx context.Context, exerciseSessionID uuid.UUID, notes string) (*workout.ExerciseSession, error) {
	var es workout.ExerciseSession
	err := api.do(ctx, http.MethodPost,
		fmt.Sprintf("/workouts/exercises/%s/complete", exerciseSessionID),
		workout.CompleteExerciseRequest{Notes: notes}, &es)
	if err != nil {
		return nil, err
	}
	return &es, nil
}

func (api *API) SkipExercise(ctx context.Context, exerciseSessionID uuid.UUID) (*workout.ExerciseSession, error) {
	var es workout.ExerciseSession
	err := api.do(ctx, http.MethodPost,
		fmt.Sprintf("/workouts/exercises/%s/skip", exerciseSessionID), nil, &es)
	if err != nil {
		return nil, err
	}
	return &es, nil
}

func (api *API) UpdateExerciseNotes(ctx context.Context, exerciseSessionID uuid.UUID, notes string) error {
	return api.do(ctx, http.MethodPut,
		fmt.Sprintf("/workouts/exercises/%s/notes", exerciseSessionID),
		workout.UpdateNotesRequest{Notes: notes}, nil)
}

func (api *API) RegisterSet(ctx context.Context, exerciseSessionID uuid.UUID, params workout.RegisterSetParams) (*workout.SetSession, error) {
	var set workout.SetSession
	err := api.do(ctx, http.MethodPost,
		fmt.Sprintf("/workouts/exercises/%s/sets", exerciseSessionID), params, &set)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (api *API) UpdateSet(ctx context.Context, setID uuid.UUID, params workout.UpdateSetParams) (*workout.SetSession, error) {
	var set workout.SetSession
	err := api.do(ctx, http.MethodPut,
		fmt.Sprintf("/workouts/sets/%s", setID), params, &set)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (api *API) DeleteSet(ctx context.Context, setID uuid.UUID) error {
	return api.do(ctx, http.MethodDelete,
		fmt.Sprintf("/workouts/sets/%s", setID), nil, nil)
}

func (api *API) PreviousExecution(ctx context.Context, exerciseID uuid.UUID) ([]workout.SetSession, error) {
	var resp workout.PreviousExecutionResponse
	err := api.do(ctx, http.MethodGet,
		fmt.Sprintf("/workouts/exercises/previous/%s", exerciseID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Sets, nil
}

func (api *API) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		bodyJson, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(bodyJson)
	}

	req, err := http.NewRequestWithContext(ctx, method, api.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(middleware.AuthTokenHeader, api.token)
	req.Header.Set("User-Agent", "TrainHub/1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := api.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError translates the server's error responses back into the
// engine's sentinel errors so client code can errors.Is on them the
// same way server-side code does.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", workout.ErrNotFound, bytes.TrimSpace(msg))
	case http.StatusConflict:
		if bytes.Contains(msg, []byte("already in progress")) {
			return workout.ErrSessionConflict
		}
		return fmt.Errorf("%w: %s", workout.ErrInvalidState, bytes.TrimSpace(msg))
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", workout.ErrValidation, bytes.TrimSpace(msg))
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: %s", bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}
