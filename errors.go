package ascent

import "errors"

// Storage errors fall into three classes that callers must treat differently:
// not-found errors mean a bad identifier, conflict errors are correctness
// signals and must never be retried, and ErrStorageUnavailable is transient and
// safe to retry with backoff. Backends wrap these sentinels so errors.Is works
// across the storage boundary.
var (
	// ErrNotFound is returned when a study or trial does not exist.
	ErrNotFound = errors.New("ascent: not found")

	// ErrDuplicateStudyName is returned when creating a study whose name is taken.
	ErrDuplicateStudyName = errors.New("ascent: study name already exists")

	// ErrTrialAlreadyFinished is returned by a state transition on a trial that
	// already reached a terminal state. Losing a finalize race surfaces as this
	// error; the study loop treats it as benign.
	ErrTrialAlreadyFinished = errors.New("ascent: trial already finished")

	// ErrTrialNotRunning is returned when writing params or intermediate values
	// to a trial that is not in StateRunning.
	ErrTrialNotRunning = errors.New("ascent: trial is not running")

	// ErrIncompatibleDistribution is returned when a parameter is re-suggested
	// with a distribution that conflicts with the one already recorded.
	ErrIncompatibleDistribution = errors.New("ascent: incompatible distribution")

	// ErrStorageUnavailable wraps transient backend failures. Callers may retry.
	ErrStorageUnavailable = errors.New("ascent: storage unavailable")

	// ErrSearchSpaceExhausted is returned by samplers with a finite search space
	// once every point has been claimed. The study loop stops creating trials.
	ErrSearchSpaceExhausted = errors.New("ascent: search space exhausted")

	// ErrTrialPruned is the early-stop control signal. Objectives return it
	// (typically after ShouldPrune reports true) to finish the trial as pruned.
	// It is a distinguished exit path, not a failure.
	ErrTrialPruned = errors.New("ascent: trial pruned")
)
