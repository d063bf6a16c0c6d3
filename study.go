package ascent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sysAttrWorker records which worker process ran a trial.
const sysAttrWorker = "ascent:worker"

// Objective is a single-objective function. It may return ErrTrialPruned as
// the early-stop control signal; any other error marks the trial failed.
type Objective func(trial *Trial) (float64, error)

// MultiObjective returns one value per study direction.
type MultiObjective func(trial *Trial) ([]float64, error)

// Observer receives trial lifecycle notifications, e.g. for metrics export.
type Observer interface {
	ObserveTrialFinished(study string, state TrialState, elapsed time.Duration)
	ObserveBestValue(study string, value float64)
}

// Study coordinates the optimization loop for one named study. Many Study
// values, in this process or on other machines, may drive the same study
// concurrently; all coordination goes through the shared Storage.
type Study struct {
	id         int
	name       string
	storage    Storage
	sampler    Sampler
	pruner     Pruner
	directions []StudyDirection
	logger     *zap.Logger
	observer   Observer
	workerID   string
}

// StudyOption configures a study at creation or load time.
type StudyOption func(*Study)

// WithSampler sets the sampling strategy. Default: RandomSampler.
func WithSampler(s Sampler) StudyOption { return func(st *Study) { st.sampler = s } }

// WithPruner sets the pruning strategy. Default: NopPruner.
func WithPruner(p Pruner) StudyOption { return func(st *Study) { st.pruner = p } }

// WithDirection sets a single optimization direction. Default: minimize.
func WithDirection(d StudyDirection) StudyOption {
	return func(st *Study) { st.directions = []StudyDirection{d} }
}

// WithDirections sets one direction per objective for multi-objective studies.
func WithDirections(ds ...StudyDirection) StudyOption {
	return func(st *Study) { st.directions = append([]StudyDirection(nil), ds...) }
}

// WithLogger sets the structured logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) StudyOption { return func(st *Study) { st.logger = l } }

// WithObserver installs a trial lifecycle observer, e.g. metrics.NewRecorder().
func WithObserver(o Observer) StudyOption { return func(st *Study) { st.observer = o } }

// CreateStudy registers a new study in storage.
func CreateStudy(ctx context.Context, storage Storage, name string, opts ...StudyOption) (*Study, error) {
	st := newStudy(storage, opts)
	if len(st.directions) == 0 {
		st.directions = []StudyDirection{DirectionMinimize}
	}
	id, err := storage.CreateNewStudy(ctx, name, st.directions)
	if err != nil {
		return nil, err
	}
	st.id = id
	if name == "" {
		name, err = storage.GetStudyNameFromID(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	st.name = name
	st.logger.Info("study created",
		zap.String("study", name), zap.Int("study_id", id),
		zap.Strings("directions", directionStrings(st.directions)))
	return st, nil
}

// LoadStudy opens an existing study by name. Directions come from storage;
// a WithDirection option on load is rejected if it disagrees.
func LoadStudy(ctx context.Context, storage Storage, name string, opts ...StudyOption) (*Study, error) {
	st := newStudy(storage, opts)
	id, err := storage.GetStudyIDByName(ctx, name)
	if err != nil {
		return nil, err
	}
	stored, err := storage.GetStudyDirections(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(st.directions) > 0 && !directionsEqual(st.directions, stored) {
		return nil, fmt.Errorf("ascent: study %q has directions %v, not %v", name, stored, st.directions)
	}
	st.id = id
	st.name = name
	st.directions = stored
	return st, nil
}

func newStudy(storage Storage, opts []StudyOption) *Study {
	st := &Study{
		storage:  storage,
		sampler:  NewRandomSampler(),
		pruner:   NopPruner{},
		logger:   zap.NewNop(),
		workerID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// ID returns the storage identifier of the study.
func (s *Study) ID() int { return s.id }

// Name returns the study name.
func (s *Study) Name() string { return s.name }

// Directions returns one direction per objective.
func (s *Study) Directions() []StudyDirection {
	return append([]StudyDirection(nil), s.directions...)
}

// Direction returns the direction of a single-objective study.
func (s *Study) Direction() StudyDirection { return s.directions[0] }

// Storage returns the backing store, for samplers and pruners that read
// sibling trial history.
func (s *Study) Storage() Storage { return s.storage }

// Trials returns frozen snapshots of all trials, ordered by number.
func (s *Study) Trials(ctx context.Context) ([]FrozenTrial, error) {
	return s.storage.GetAllTrials(ctx, s.id)
}

// BestTrial returns the best completed trial of a single-objective study.
func (s *Study) BestTrial(ctx context.Context) (FrozenTrial, error) {
	return s.storage.GetBestTrial(ctx, s.id)
}

// BestValue returns the best completed objective value.
func (s *Study) BestValue(ctx context.Context) (float64, error) {
	t, err := s.BestTrial(ctx)
	if err != nil {
		return 0, err
	}
	v, _ := t.Value()
	return v, nil
}

// SetUserAttr attaches a user attribute to the study.
func (s *Study) SetUserAttr(ctx context.Context, key, value string) error {
	return s.storage.SetStudyUserAttr(ctx, s.id, key, value)
}

// EnqueueTrial queues a trial with pre-set parameter values. The next worker
// to pick it up runs the objective with these values instead of sampling,
// provided each one lies inside the distribution the objective requests.
func (s *Study) EnqueueTrial(ctx context.Context, params map[string]interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("ascent: encode queued params: %w", err)
	}
	template := &FrozenTrial{
		State:       StateWaiting,
		SystemAttrs: map[string]string{sysAttrFixedParams: string(raw)},
	}
	id, err := s.storage.CreateNewTrial(ctx, s.id, template)
	if err != nil {
		return err
	}
	s.logger.Debug("trial enqueued", zap.String("study", s.name), zap.Int("trial_id", id))
	return nil
}

// optimizeSettings collects per-run options.
type optimizeSettings struct {
	maxTrials   int
	timeout     time.Duration
	parallelism int
	failFast    bool
}

// OptimizeOption configures one Optimize run.
type OptimizeOption func(*optimizeSettings)

// MaxTrials bounds the number of trials this call contributes to the study.
func MaxTrials(n int) OptimizeOption { return func(o *optimizeSettings) { o.maxTrials = n } }

// Timeout stops the loop once the deadline passes. The check happens between
// trials; an in-flight objective always finishes naturally.
func Timeout(d time.Duration) OptimizeOption { return func(o *optimizeSettings) { o.timeout = d } }

// Parallelism runs trials on a pool of n concurrent workers within this
// process. Cross-process parallelism needs no option: run Optimize anywhere
// against the same storage.
func Parallelism(n int) OptimizeOption { return func(o *optimizeSettings) { o.parallelism = n } }

// FailFast makes the first unexpected objective error abort the loop instead
// of marking the trial failed and continuing.
func FailFast() OptimizeOption { return func(o *optimizeSettings) { o.failFast = true } }

// Optimize drives the study with a single-objective function.
func (s *Study) Optimize(ctx context.Context, objective Objective, opts ...OptimizeOption) error {
	if len(s.directions) != 1 {
		return fmt.Errorf("ascent: study %q has %d objectives, use OptimizeMulti", s.name, len(s.directions))
	}
	return s.optimize(ctx, func(t *Trial) ([]float64, error) {
		v, err := objective(t)
		if err != nil {
			return nil, err
		}
		return []float64{v}, nil
	}, opts)
}

// OptimizeMulti drives the study with a multi-objective function.
func (s *Study) OptimizeMulti(ctx context.Context, objective MultiObjective, opts ...OptimizeOption) error {
	return s.optimize(ctx, objective, opts)
}

func (s *Study) optimize(ctx context.Context, objective MultiObjective, opts []OptimizeOption) error {
	settings := optimizeSettings{parallelism: 1}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.maxTrials <= 0 && settings.timeout <= 0 {
		return fmt.Errorf("ascent: Optimize needs MaxTrials or Timeout")
	}
	if settings.parallelism < 1 {
		settings.parallelism = 1
	}

	deadline := time.Time{}
	if settings.timeout > 0 {
		deadline = time.Now().Add(settings.timeout)
	}

	remaining := int64(settings.maxTrials)
	if settings.maxTrials <= 0 {
		remaining = math.MaxInt64 // bounded by the timeout instead
	}
	var exhausted atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settings.parallelism)
	for w := 0; w < settings.parallelism; w++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return nil
				}
				if exhausted.Load() {
					return nil
				}
				if atomic.AddInt64(&remaining, -1) < 0 {
					return nil
				}
				stop, err := s.runTrial(gctx, objective, settings.failFast)
				if stop {
					exhausted.Store(true)
					return nil
				}
				if err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// runTrial executes one full trial. The returned stop flag means the sampler
// exhausted its search space and the loop should wind down; a non-nil error is
// only returned when it must abort the whole run (fail-fast or storage loss).
func (s *Study) runTrial(ctx context.Context, objective MultiObjective, failFast bool) (stop bool, err error) {
	trialID, err := s.nextTrialID(ctx)
	if err != nil {
		return false, fmt.Errorf("ascent: create trial: %w", err)
	}
	number, err := s.storage.GetTrialNumberFromID(ctx, trialID)
	if err != nil {
		return false, err
	}
	if err := s.storage.SetTrialSystemAttr(ctx, trialID, sysAttrWorker, s.workerID); err != nil {
		s.logger.Debug("record worker attr", zap.Error(err))
	}

	trial := &Trial{study: s, ctx: ctx, id: trialID, number: number}
	started := time.Now()

	values, objErr := s.callObjective(objective, trial)

	state := StateComplete
	switch {
	case objErr == nil:
		if err := validateValues(values, len(s.directions)); err != nil {
			objErr = err
			state = StateFail
			values = nil
		}
	case errors.Is(objErr, ErrTrialPruned) || trial.pruned:
		state = StatePruned
		values = nil
	case errors.Is(objErr, ErrSearchSpaceExhausted):
		state = StateFail
		values = nil
		stop = true
	default:
		state = StateFail
		values = nil
	}

	finalizeErr := s.storage.SetTrialStateValues(ctx, trialID, state, values)
	if errors.Is(finalizeErr, ErrTrialAlreadyFinished) {
		// Another worker won the finalize race; our decision is moot.
		s.logger.Debug("trial already finalized elsewhere",
			zap.String("study", s.name), zap.Int("trial", number))
		finalizeErr = nil
	}
	if finalizeErr != nil {
		return stop, fmt.Errorf("ascent: finalize trial %d: %w", number, finalizeErr)
	}

	s.afterTrial(ctx, number, state, values, started, objErr)

	if stop {
		s.logger.Info("search space exhausted, stopping",
			zap.String("study", s.name), zap.Int("trial", number))
		return true, nil
	}
	if state == StateFail && objErr != nil && failFast {
		return false, fmt.Errorf("ascent: trial %d failed: %w", number, objErr)
	}
	return false, nil
}

// nextTrialID picks up a queued waiting trial if one exists, otherwise
// creates a fresh running trial. Losing the pickup CAS to another worker is
// expected under concurrency and just means trying the next candidate.
func (s *Study) nextTrialID(ctx context.Context) (int, error) {
	trials, err := s.storage.GetAllTrials(ctx, s.id)
	if err != nil {
		return 0, err
	}
	for _, t := range trials {
		if t.State != StateWaiting {
			continue
		}
		err := s.storage.SetTrialStateValues(ctx, t.ID, StateRunning, nil)
		if err == nil {
			return t.ID, nil
		}
		if errors.Is(err, ErrTrialAlreadyFinished) || errors.Is(err, ErrTrialNotRunning) {
			continue
		}
		return 0, err
	}
	return s.storage.CreateNewTrial(ctx, s.id, nil)
}

// callObjective runs user code with panic recovery: a panicking objective
// fails its trial, never the worker.
func (s *Study) callObjective(objective MultiObjective, trial *Trial) (values []float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("objective panicked",
				zap.String("study", s.name),
				zap.Int("trial", trial.number),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			values = nil
			err = fmt.Errorf("ascent: objective panicked: %v", rec)
		}
	}()
	return objective(trial)
}

func (s *Study) afterTrial(ctx context.Context, number int, state TrialState, values []float64, started time.Time, objErr error) {
	elapsed := time.Since(started)
	switch state {
	case StateComplete:
		s.logger.Info("trial complete",
			zap.String("study", s.name), zap.Int("trial", number),
			zap.Float64s("values", values), zap.Duration("elapsed", elapsed))
	case StatePruned:
		s.logger.Info("trial pruned",
			zap.String("study", s.name), zap.Int("trial", number),
			zap.Duration("elapsed", elapsed))
	default:
		s.logger.Warn("trial failed",
			zap.String("study", s.name), zap.Int("trial", number),
			zap.Error(objErr), zap.Duration("elapsed", elapsed))
	}

	if s.observer == nil {
		return
	}
	s.observer.ObserveTrialFinished(s.name, state, elapsed)
	if len(s.directions) == 1 {
		if best, err := s.BestValue(ctx); err == nil {
			s.observer.ObserveBestValue(s.name, best)
		}
	}
}

func validateValues(values []float64, nObjectives int) error {
	if len(values) != nObjectives {
		return fmt.Errorf("ascent: objective returned %d values, study has %d objectives", len(values), nObjectives)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("ascent: objective value %d is not finite: %v", i, v)
		}
	}
	return nil
}

func directionStrings(ds []StudyDirection) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

func directionsEqual(a, b []StudyDirection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
