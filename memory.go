package ascent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/copyleftdev/ascent/distribution"
)

// InMemoryStorage is the ephemeral, single-process Storage backend.
//
// It is safe for concurrent use by multiple goroutines and hands out deep
// copies, but it does not survive the process and cannot be shared across
// machines. Use pgstorage for that.
type InMemoryStorage struct {
	mu sync.RWMutex

	nextStudyID int
	nextTrialID int

	studies map[int]*memStudy
	byName  map[string]int
	// trialIndex maps trial ID to its owning study.
	trialIndex map[int]int
}

type memStudy struct {
	id          int
	name        string
	directions  []StudyDirection
	userAttrs   map[string]string
	systemAttrs map[string]string
	trials      []*FrozenTrial // dense, indexed by trial number
	byID        map[int]*FrozenTrial
}

// NewInMemoryStorage returns an empty in-memory backend.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		studies:    make(map[int]*memStudy),
		byName:     make(map[string]int),
		trialIndex: make(map[int]int),
	}
}

func (s *InMemoryStorage) CreateNewStudy(ctx context.Context, name string, directions []StudyDirection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("no-name-%d", s.nextStudyID)
	}
	if _, ok := s.byName[name]; ok {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateStudyName, name)
	}
	if len(directions) == 0 {
		directions = []StudyDirection{DirectionMinimize}
	}

	id := s.nextStudyID
	s.nextStudyID++
	s.studies[id] = &memStudy{
		id:          id,
		name:        name,
		directions:  append([]StudyDirection(nil), directions...),
		userAttrs:   make(map[string]string),
		systemAttrs: make(map[string]string),
		byID:        make(map[int]*FrozenTrial),
	}
	s.byName[name] = id
	return id, nil
}

func (s *InMemoryStorage) DeleteStudy(ctx context.Context, studyID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.studies[studyID]
	if !ok {
		return fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	for id := range st.byID {
		delete(s.trialIndex, id)
	}
	delete(s.byName, st.name)
	delete(s.studies, studyID)
	return nil
}

func (s *InMemoryStorage) GetStudyIDByName(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: study %q", ErrNotFound, name)
	}
	return id, nil
}

func (s *InMemoryStorage) GetStudyNameFromID(ctx context.Context, studyID int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.studies[studyID]
	if !ok {
		return "", fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	return st.name, nil
}

func (s *InMemoryStorage) GetStudyDirections(ctx context.Context, studyID int) ([]StudyDirection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.studies[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	return append([]StudyDirection(nil), st.directions...), nil
}

func (s *InMemoryStorage) SetStudyUserAttr(ctx context.Context, studyID int, key, value string) error {
	return s.setStudyAttr(studyID, key, value, false)
}

func (s *InMemoryStorage) SetStudySystemAttr(ctx context.Context, studyID int, key, value string) error {
	return s.setStudyAttr(studyID, key, value, true)
}

func (s *InMemoryStorage) setStudyAttr(studyID int, key, value string, system bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.studies[studyID]
	if !ok {
		return fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	if system {
		st.systemAttrs[key] = value
	} else {
		st.userAttrs[key] = value
	}
	return nil
}

func (s *InMemoryStorage) GetStudyUserAttrs(ctx context.Context, studyID int) (map[string]string, error) {
	return s.studyAttrs(studyID, false)
}

func (s *InMemoryStorage) GetStudySystemAttrs(ctx context.Context, studyID int) (map[string]string, error) {
	return s.studyAttrs(studyID, true)
}

func (s *InMemoryStorage) studyAttrs(studyID int, system bool) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.studies[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	src := st.userAttrs
	if system {
		src = st.systemAttrs
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStorage) CreateNewTrial(ctx context.Context, studyID int, template *FrozenTrial) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.studies[studyID]
	if !ok {
		return 0, fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}

	var t FrozenTrial
	if template != nil {
		t = template.clone()
	} else {
		t = FrozenTrial{State: StateRunning}
	}
	if t.State == "" {
		t.State = StateRunning
	}
	if t.State != StateRunning && t.State != StateWaiting {
		return 0, fmt.Errorf("ascent: new trial state must be running or waiting, got %q", t.State)
	}
	if t.Params == nil {
		t.Params = make(map[string]interface{})
	}
	if t.InternalParams == nil {
		t.InternalParams = make(map[string]float64)
	}
	if t.Distributions == nil {
		t.Distributions = make(map[string]distribution.Distribution)
	}
	if t.IntermediateValues == nil {
		t.IntermediateValues = make(map[int]float64)
	}
	if t.UserAttrs == nil {
		t.UserAttrs = make(map[string]string)
	}
	if t.SystemAttrs == nil {
		t.SystemAttrs = make(map[string]string)
	}

	t.ID = s.nextTrialID
	s.nextTrialID++
	t.StudyID = studyID
	t.Number = len(st.trials)
	t.DatetimeStart = time.Now().UTC()

	stored := t.clone()
	st.trials = append(st.trials, &stored)
	st.byID[stored.ID] = &stored
	s.trialIndex[stored.ID] = studyID
	return stored.ID, nil
}

// trialLocked resolves a trial ID under the lock.
func (s *InMemoryStorage) trialLocked(trialID int) (*FrozenTrial, error) {
	studyID, ok := s.trialIndex[trialID]
	if !ok {
		return nil, fmt.Errorf("%w: trial %d", ErrNotFound, trialID)
	}
	return s.studies[studyID].byID[trialID], nil
}

func (s *InMemoryStorage) SetTrialParam(ctx context.Context, trialID int, name string, internalValue float64, dist distribution.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return err
	}
	if t.State != StateRunning {
		return fmt.Errorf("%w: trial %d is %s", ErrTrialNotRunning, trialID, t.State)
	}
	if prev, ok := t.Distributions[name]; ok && !distribution.Compatible(prev, dist) {
		return fmt.Errorf("%w: parameter %q", ErrIncompatibleDistribution, name)
	}
	t.Distributions[name] = dist
	t.InternalParams[name] = internalValue
	t.Params[name] = dist.ToExternal(internalValue)
	return nil
}

func (s *InMemoryStorage) SetTrialIntermediateValue(ctx context.Context, trialID int, step int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return err
	}
	if t.State != StateRunning {
		return fmt.Errorf("%w: trial %d is %s", ErrTrialNotRunning, trialID, t.State)
	}
	t.IntermediateValues[step] = value
	return nil
}

func (s *InMemoryStorage) SetTrialStateValues(ctx context.Context, trialID int, state TrialState, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return err
	}
	if t.State.Finished() {
		return fmt.Errorf("%w: trial %d is %s", ErrTrialAlreadyFinished, trialID, t.State)
	}
	switch {
	case state == StateRunning && t.State == StateWaiting:
		// worker pickup
	case state.Finished() && t.State == StateRunning:
		// finalize
	default:
		return fmt.Errorf("%w: cannot move trial %d from %s to %s", ErrTrialNotRunning, trialID, t.State, state)
	}
	t.State = state
	if values != nil {
		t.Values = append([]float64(nil), values...)
	}
	if state.Finished() {
		t.DatetimeComplete = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStorage) SetTrialUserAttr(ctx context.Context, trialID int, key, value string) error {
	return s.setTrialAttr(trialID, key, value, false)
}

func (s *InMemoryStorage) SetTrialSystemAttr(ctx context.Context, trialID int, key, value string) error {
	return s.setTrialAttr(trialID, key, value, true)
}

func (s *InMemoryStorage) setTrialAttr(trialID int, key, value string, system bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return err
	}
	if system {
		t.SystemAttrs[key] = value
	} else {
		t.UserAttrs[key] = value
	}
	return nil
}

func (s *InMemoryStorage) GetTrial(ctx context.Context, trialID int) (FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return FrozenTrial{}, err
	}
	return t.clone(), nil
}

func (s *InMemoryStorage) GetAllTrials(ctx context.Context, studyID int) ([]FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.studies[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	out := make([]FrozenTrial, 0, len(st.trials))
	for _, t := range st.trials {
		out = append(out, t.clone())
	}
	return out, nil
}

func (s *InMemoryStorage) GetTrialNumberFromID(ctx context.Context, trialID int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.trialLocked(trialID)
	if err != nil {
		return 0, err
	}
	return t.Number, nil
}

func (s *InMemoryStorage) GetBestTrial(ctx context.Context, studyID int) (FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.studies[studyID]
	if !ok {
		return FrozenTrial{}, fmt.Errorf("%w: study %d", ErrNotFound, studyID)
	}
	if len(st.directions) != 1 {
		return FrozenTrial{}, fmt.Errorf("ascent: best trial is undefined for a multi-objective study")
	}

	var best *FrozenTrial
	for _, t := range st.trials {
		if t.State != StateComplete || len(t.Values) == 0 {
			continue
		}
		if best == nil || better(st.directions[0], t.Values[0], best.Values[0]) {
			best = t
		}
	}
	if best == nil {
		return FrozenTrial{}, fmt.Errorf("%w: study %d has no completed trials", ErrNotFound, studyID)
	}
	return best.clone(), nil
}

// better reports whether a beats b under the direction.
func better(d StudyDirection, a, b float64) bool {
	if d == DirectionMaximize {
		return a > b
	}
	return a < b
}
