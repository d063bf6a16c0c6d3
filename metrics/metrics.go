// Package metrics exports Prometheus collectors for study activity. Install a
// Recorder with ascent.WithObserver to count finished trials, time them, and
// track the best observed value per study.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/ascent"
)

// Recorder implements ascent.Observer over Prometheus collectors.
type Recorder struct {
	trialsTotal   *prometheus.CounterVec
	trialDuration *prometheus.HistogramVec
	bestValue     *prometheus.GaugeVec
}

// NewRecorder builds an unregistered Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		trialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ascent_trials_total",
			Help: "Finished trials by study and terminal state.",
		}, []string{"study", "state"}),
		trialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ascent_trial_duration_seconds",
			Help:    "Wall-clock duration of finished trials.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"study"}),
		bestValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ascent_best_value",
			Help: "Best completed objective value per study.",
		}, []string{"study"}),
	}
}

// Register registers the collectors with the given registerer.
func (r *Recorder) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{r.trialsTotal, r.trialDuration, r.bestValue} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) ObserveTrialFinished(study string, state ascent.TrialState, elapsed time.Duration) {
	r.trialsTotal.WithLabelValues(study, string(state)).Inc()
	r.trialDuration.WithLabelValues(study).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveBestValue(study string, value float64) {
	r.bestValue.WithLabelValues(study).Set(value)
}
