package ascent

import (
	"context"

	"github.com/copyleftdev/ascent/distribution"
)

// Storage is the persistence contract the engine coordinates through.
//
// The backend is the only shared mutable resource between workers: every
// cross-process guarantee the engine makes is expressed as a storage guarantee.
// Implementations must provide:
//
//   - atomic trial creation with dense, strictly increasing per-study numbers,
//     even under concurrent CreateNewTrial calls;
//   - compare-and-set state transitions (SetTrialStateValues) so that at most
//     one caller ever moves a trial into a terminal state;
//   - read-your-writes consistency: a reader sees every write it committed.
//     Reads of sibling trials may be snapshot-stale relative to other workers.
//
// Errors wrap the sentinels in errors.go so callers can classify them with
// errors.Is. Transient backend failures wrap ErrStorageUnavailable and are
// retried inside the backend; conflict errors are never retried.
type Storage interface {
	// CreateNewStudy registers a study. The name must be unique; an empty name
	// gets a generated one. Fails with ErrDuplicateStudyName.
	CreateNewStudy(ctx context.Context, name string, directions []StudyDirection) (int, error)

	// DeleteStudy removes a study and all of its trials.
	DeleteStudy(ctx context.Context, studyID int) error

	GetStudyIDByName(ctx context.Context, name string) (int, error)
	GetStudyNameFromID(ctx context.Context, studyID int) (string, error)
	GetStudyDirections(ctx context.Context, studyID int) ([]StudyDirection, error)

	SetStudyUserAttr(ctx context.Context, studyID int, key, value string) error
	SetStudySystemAttr(ctx context.Context, studyID int, key, value string) error
	GetStudyUserAttrs(ctx context.Context, studyID int) (map[string]string, error)
	GetStudySystemAttrs(ctx context.Context, studyID int) (map[string]string, error)

	// CreateNewTrial atomically appends a trial. With a nil template the trial
	// starts in StateRunning with no parameters; a template carries a queued
	// trial's state, parameters, and attributes.
	CreateNewTrial(ctx context.Context, studyID int, template *FrozenTrial) (int, error)

	// SetTrialParam records a suggested parameter. Fails with ErrTrialNotRunning
	// unless the trial is running, and with ErrIncompatibleDistribution when the
	// name is already recorded under a conflicting distribution.
	SetTrialParam(ctx context.Context, trialID int, name string, internalValue float64, dist distribution.Distribution) error

	// SetTrialIntermediateValue upserts the reported value for a step.
	SetTrialIntermediateValue(ctx context.Context, trialID int, step int, value float64) error

	// SetTrialStateValues is the compare-and-set transition. Moving to
	// StateRunning requires the current state StateWaiting; moving to a terminal
	// state requires StateRunning. A trial already in a terminal state fails
	// with ErrTrialAlreadyFinished, an otherwise illegal transition with
	// ErrTrialNotRunning.
	SetTrialStateValues(ctx context.Context, trialID int, state TrialState, values []float64) error

	SetTrialUserAttr(ctx context.Context, trialID int, key, value string) error
	SetTrialSystemAttr(ctx context.Context, trialID int, key, value string) error

	GetTrial(ctx context.Context, trialID int) (FrozenTrial, error)
	GetAllTrials(ctx context.Context, studyID int) ([]FrozenTrial, error)
	GetTrialNumberFromID(ctx context.Context, trialID int) (int, error)

	// GetBestTrial returns the best completed trial of a single-objective study.
	GetBestTrial(ctx context.Context, studyID int) (FrozenTrial, error)
}
