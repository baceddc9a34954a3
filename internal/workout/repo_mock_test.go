package workout

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/peakform/trainhub/internal/notify"
	"github.com/peakform/trainhub/internal/templates"

	"github.com/google/uuid"
)

// repoMock keeps whole sessions in memory and maintains total volume
// and set numbering the same way the sql repo does, so service tests
// can exercise real sequences of operations against it.
type repoMock struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func newRepoMock() *repoMock {
	return &repoMock{
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (m *repoMock) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.CustomerID == session.CustomerID && s.Status == SessionInProgress {
			return ErrSessionConflict
		}
	}

	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *repoMock) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return copySession(s), nil
}

func (m *repoMock) GetActiveSession(_ context.Context, customerID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.CustomerID == customerID && s.Status == SessionInProgress {
			return copySession(s), nil
		}
	}
	return nil, fmt.Errorf("%w: active session for customer %s", ErrNotFound, customerID)
}

func (m *repoMock) ListSessions(_ context.Context, customerID uuid.UUID, page, size int) ([]Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Session
	for _, s := range m.sessions {
		if s.CustomerID == customerID {
			all = append(all, *copySession(s))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	total := len(all)
	from := (page - 1) * size
	if from >= total {
		return []Session{}, total, nil
	}
	to := from + size
	if to > total {
		to = total
	}
	return all[from:to], total, nil
}

func (m *repoMock) UpdateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, session.ID)
	}

	updated := copySession(session)
	updated.Exercises = existing.Exercises
	updated.TotalVolume = existing.TotalVolume
	m.sessions[session.ID] = updated
	return nil
}

func (m *repoMock) GetExerciseWithSession(_ context.Context, exerciseSessionID uuid.UUID) (*ExerciseSession, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, es := m.findExercise(exerciseSessionID)
	if es == nil {
		return nil, nil, fmt.Errorf("%w: exercise session %s", ErrNotFound, exerciseSessionID)
	}

	esCopy := *es
	esCopy.Sets = append([]SetSession(nil), es.Sets...)
	shallow := *s
	shallow.Exercises = nil
	return &esCopy, &shallow, nil
}

func (m *repoMock) UpdateExerciseSession(_ context.Context, es *ExerciseSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existing := m.findExercise(es.ID)
	if existing == nil {
		return fmt.Errorf("%w: exercise session %s", ErrNotFound, es.ID)
	}

	sets := existing.Sets
	*existing = *es
	existing.Sets = sets
	return nil
}

func (m *repoMock) AddSet(_ context.Context, set *SetSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, es := m.findExercise(set.ExerciseSessionID)
	if es == nil {
		return fmt.Errorf("%w: exercise session %s", ErrNotFound, set.ExerciseSessionID)
	}

	set.SetNumber = len(es.Sets) + 1
	es.Sets = append(es.Sets, *set)
	s.TotalVolume += SetVolume(set.Load, set.Reps)
	return nil
}

func (m *repoMock) GetSetWithSession(_ context.Context, setID uuid.UUID) (*SetSession, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, set := m.findSet(setID)
	if set == nil {
		return nil, nil, fmt.Errorf("%w: set %s", ErrNotFound, setID)
	}

	setCopy := *set
	shallow := *s
	shallow.Exercises = nil
	return &setCopy, &shallow, nil
}

func (m *repoMock) UpdateSet(_ context.Context, set *SetSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, existing := m.findSet(set.ID)
	if existing == nil {
		return fmt.Errorf("%w: set %s", ErrNotFound, set.ID)
	}

	delta := SetVolume(set.Load, set.Reps) - SetVolume(existing.Load, existing.Reps)
	s.TotalVolume += delta
	if s.TotalVolume < 0 {
		s.TotalVolume = 0
	}

	number := existing.SetNumber
	*existing = *set
	existing.SetNumber = number
	return nil
}

func (m *repoMock) DeleteSet(_ context.Context, setID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, es, set := m.findSet(setID)
	if set == nil {
		return fmt.Errorf("%w: set %s", ErrNotFound, setID)
	}

	s.TotalVolume -= SetVolume(set.Load, set.Reps)
	if s.TotalVolume < 0 {
		s.TotalVolume = 0
	}

	deletedNumber := set.SetNumber
	remaining := es.Sets[:0]
	for _, ss := range es.Sets {
		if ss.ID == setID {
			continue
		}
		if ss.SetNumber > deletedNumber {
			ss.SetNumber--
		}
		remaining = append(remaining, ss)
	}
	es.Sets = remaining
	return nil
}

func (m *repoMock) PreviousExecution(_ context.Context, customerID, exerciseID uuid.UUID) ([]SetSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Session
	for _, s := range m.sessions {
		if s.CustomerID == customerID && s.Status == SessionCompleted {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartedAt.After(candidates[j].StartedAt)
	})

	for _, s := range candidates {
		for i := range s.Exercises {
			es := &s.Exercises[i]
			if es.ExerciseID == exerciseID && len(es.Sets) > 0 {
				return append([]SetSession(nil), es.Sets...), nil
			}
		}
	}
	return []SetSession{}, nil
}

func (m *repoMock) findExercise(exerciseSessionID uuid.UUID) (*Session, *ExerciseSession) {
	for _, s := range m.sessions {
		for i := range s.Exercises {
			if s.Exercises[i].ID == exerciseSessionID {
				return s, &s.Exercises[i]
			}
		}
	}
	return nil, nil
}

func (m *repoMock) findSet(setID uuid.UUID) (*Session, *ExerciseSession, *SetSession) {
	for _, s := range m.sessions {
		for i := range s.Exercises {
			es := &s.Exercises[i]
			for j := range es.Sets {
				if es.Sets[j].ID == setID {
					return s, es, &es.Sets[j]
				}
			}
		}
	}
	return nil, nil, nil
}

func copySession(s *Session) *Session {
	c := *s
	c.Exercises = make([]ExerciseSession, len(s.Exercises))
	for i, es := range s.Exercises {
		c.Exercises[i] = es
		c.Exercises[i].Sets = append([]SetSession(nil), es.Sets...)
	}
	return &c
}

type resolverMock struct {
	templates map[uuid.UUID]*templates.WorkoutTemplate
}

func newResolverMock(tt ...*templates.WorkoutTemplate) *resolverMock {
	m := &resolverMock{
		templates: make(map[uuid.UUID]*templates.WorkoutTemplate),
	}
	for _, t := range tt {
		m.templates[t.ID] = t
	}
	return m
}

func (m *resolverMock) Resolve(_ context.Context, templateID uuid.UUID) (*templates.WorkoutTemplate, error) {
	t, ok := m.templates[templateID]
	if !ok {
		return nil, templates.ErrTemplateNotFound
	}
	return t, nil
}

type dispatcherMock struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *dispatcherMock) Dispatch(_ context.Context, event notify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *dispatcherMock) eventTypes() []notify.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]notify.EventType, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.Type)
	}
	return types
}
