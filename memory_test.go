package ascent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ascent/distribution"
)

func TestInMemoryStudyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	id, err := s.CreateNewStudy(ctx, "exp-1", []StudyDirection{DirectionMaximize})
	require.NoError(t, err)

	_, err = s.CreateNewStudy(ctx, "exp-1", nil)
	assert.ErrorIs(t, err, ErrDuplicateStudyName)

	got, err := s.GetStudyIDByName(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	name, err := s.GetStudyNameFromID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "exp-1", name)

	dirs, err := s.GetStudyDirections(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []StudyDirection{DirectionMaximize}, dirs)

	require.NoError(t, s.DeleteStudy(ctx, id))
	_, err = s.GetStudyIDByName(ctx, "exp-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteStudy(ctx, id), ErrNotFound)
}

func TestInMemoryGeneratedStudyName(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	a, err := s.CreateNewStudy(ctx, "", nil)
	require.NoError(t, err)
	b, err := s.CreateNewStudy(ctx, "", nil)
	require.NoError(t, err)

	nameA, err := s.GetStudyNameFromID(ctx, a)
	require.NoError(t, err)
	nameB, err := s.GetStudyNameFromID(ctx, b)
	require.NoError(t, err)
	assert.NotEmpty(t, nameA)
	assert.NotEqual(t, nameA, nameB)
}

func TestInMemoryStudyAttrs(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	id, err := s.CreateNewStudy(ctx, "attrs", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetStudyUserAttr(ctx, id, "owner", "ml-infra"))
	require.NoError(t, s.SetStudySystemAttr(ctx, id, "engine", "v1"))
	require.NoError(t, s.SetStudyUserAttr(ctx, id, "owner", "ml-platform"))

	user, err := s.GetStudyUserAttrs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"owner": "ml-platform"}, user)

	system, err := s.GetStudySystemAttrs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"engine": "v1"}, system)
}

func TestInMemoryTrialNumbersDenseUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "concurrent", nil)
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CreateNewTrial(ctx, studyID, nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	trials, err := s.GetAllTrials(ctx, studyID)
	require.NoError(t, err)
	require.Len(t, trials, n)

	numbers := make([]int, 0, n)
	for _, tr := range trials {
		numbers = append(numbers, tr.Number)
	}
	sort.Ints(numbers)
	for i, num := range numbers {
		assert.Equal(t, i, num, "trial numbers must be dense with no gaps")
	}
}

func TestInMemoryStateTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "transitions", nil)
	require.NoError(t, err)

	trialID, err := s.CreateNewTrial(ctx, studyID, nil)
	require.NoError(t, err)

	// A freshly created trial is running and cannot be picked up again.
	err = s.SetTrialStateValues(ctx, trialID, StateRunning, nil)
	assert.ErrorIs(t, err, ErrTrialNotRunning)

	require.NoError(t, s.SetTrialStateValues(ctx, trialID, StateComplete, []float64{1.5}))

	// Terminal states are absorbing.
	err = s.SetTrialStateValues(ctx, trialID, StateFail, nil)
	assert.ErrorIs(t, err, ErrTrialAlreadyFinished)
	err = s.SetTrialStateValues(ctx, trialID, StateComplete, []float64{2})
	assert.ErrorIs(t, err, ErrTrialAlreadyFinished)

	got, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, []float64{1.5}, got.Values)
	assert.False(t, got.DatetimeComplete.IsZero())
}

func TestInMemoryFinalizeRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "race", nil)
	require.NoError(t, err)
	trialID, err := s.CreateNewTrial(ctx, studyID, nil)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.SetTrialStateValues(ctx, trialID, StateComplete, []float64{float64(i)})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrTrialAlreadyFinished)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestInMemoryWaitingPickup(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "queue", nil)
	require.NoError(t, err)

	template := &FrozenTrial{State: StateWaiting, SystemAttrs: map[string]string{"k": "v"}}
	trialID, err := s.CreateNewTrial(ctx, studyID, template)
	require.NoError(t, err)

	// Parameters cannot be written while the trial waits.
	err = s.SetTrialParam(ctx, trialID, "x", 0.5, distribution.Uniform{Low: 0, High: 1})
	assert.ErrorIs(t, err, ErrTrialNotRunning)

	require.NoError(t, s.SetTrialStateValues(ctx, trialID, StateRunning, nil))
	err = s.SetTrialStateValues(ctx, trialID, StateRunning, nil)
	assert.ErrorIs(t, err, ErrTrialNotRunning)

	require.NoError(t, s.SetTrialParam(ctx, trialID, "x", 0.5, distribution.Uniform{Low: 0, High: 1}))
}

func TestInMemoryTrialParamConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "params", nil)
	require.NoError(t, err)
	trialID, err := s.CreateNewTrial(ctx, studyID, nil)
	require.NoError(t, err)

	u := distribution.Uniform{Low: 0, High: 1}
	require.NoError(t, s.SetTrialParam(ctx, trialID, "lr", 0.3, u))

	// Same distribution may overwrite; a different one must not.
	require.NoError(t, s.SetTrialParam(ctx, trialID, "lr", 0.7, u))
	err = s.SetTrialParam(ctx, trialID, "lr", 0.7, distribution.Uniform{Low: 0, High: 2})
	assert.ErrorIs(t, err, ErrIncompatibleDistribution)

	got, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.InternalParams["lr"])
	assert.Equal(t, 0.7, got.Params["lr"])
}

func TestInMemoryIntermediateValues(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "reports", nil)
	require.NoError(t, err)
	trialID, err := s.CreateNewTrial(ctx, studyID, nil)
	require.NoError(t, err)

	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 0, 0.9))
	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 1, 0.5))
	// A later report at the same step overwrites.
	require.NoError(t, s.SetTrialIntermediateValue(ctx, trialID, 1, 0.4))

	got, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 0.9, 1: 0.4}, got.IntermediateValues)

	require.NoError(t, s.SetTrialStateValues(ctx, trialID, StatePruned, nil))
	err = s.SetTrialIntermediateValue(ctx, trialID, 2, 0.1)
	assert.ErrorIs(t, err, ErrTrialNotRunning)
}

func TestInMemoryGetBestTrial(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	for _, direction := range []StudyDirection{DirectionMinimize, DirectionMaximize} {
		t.Run(string(direction), func(t *testing.T) {
			studyID, err := s.CreateNewStudy(ctx, "best-"+string(direction), []StudyDirection{direction})
			require.NoError(t, err)

			_, err = s.GetBestTrial(ctx, studyID)
			assert.ErrorIs(t, err, ErrNotFound)

			for i, v := range []float64{3, 1, 2} {
				trialID, err := s.CreateNewTrial(ctx, studyID, nil)
				require.NoError(t, err)
				state := StateComplete
				if i == 2 {
					// Failed trials never count toward best.
					state = StateFail
				}
				var values []float64
				if state == StateComplete {
					values = []float64{v}
				}
				require.NoError(t, s.SetTrialStateValues(ctx, trialID, state, values))
			}

			best, err := s.GetBestTrial(ctx, studyID)
			require.NoError(t, err)
			if direction == DirectionMinimize {
				assert.Equal(t, []float64{1}, best.Values)
			} else {
				assert.Equal(t, []float64{3}, best.Values)
			}
		})
	}
}

func TestInMemorySnapshotsDoNotAlias(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()
	studyID, err := s.CreateNewStudy(ctx, "alias", nil)
	require.NoError(t, err)
	trialID, err := s.CreateNewTrial(ctx, studyID, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetTrialUserAttr(ctx, trialID, "tag", "a"))

	snap, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	snap.UserAttrs["tag"] = "mutated"

	fresh, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, "a", fresh.UserAttrs["tag"])
}

func TestInMemoryUnknownIDs(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	_, err := s.GetTrial(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAllTrials(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CreateNewTrial(ctx, 42, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetTrialUserAttr(ctx, 42, "k", "v"), ErrNotFound)
	_, err = s.GetTrialNumberFromID(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryManyStudiesIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	for i := 0; i < 3; i++ {
		studyID, err := s.CreateNewStudy(ctx, fmt.Sprintf("iso-%d", i), nil)
		require.NoError(t, err)
		for j := 0; j <= i; j++ {
			_, err := s.CreateNewTrial(ctx, studyID, nil)
			require.NoError(t, err)
		}
	}

	for i := 0; i < 3; i++ {
		studyID, err := s.GetStudyIDByName(ctx, fmt.Sprintf("iso-%d", i))
		require.NoError(t, err)
		trials, err := s.GetAllTrials(ctx, studyID)
		require.NoError(t, err)
		assert.Len(t, trials, i+1)
	}
}
