package engine

import (
	"log/slog"

	"levelx/internal/metrics"
)

// failureTracker turns a run of failed reconciliation rounds into a health
// verdict. It reports unhealthy once max rounds in a row have failed and
// healthy again on the first success after that.
type failureTracker struct {
	component string
	max       int
	report    func(bool)
	logger    *slog.Logger

	failures  int
	unhealthy bool
}

func newFailureTracker(component string, max int, report func(bool), logger *slog.Logger) *failureTracker {
	if max <= 0 {
		max = 1
	}
	return &failureTracker{component: component, max: max, report: report, logger: logger}
}

func (f *failureTracker) record(err error) {
	if err == nil {
		f.failures = 0
		if f.unhealthy {
			f.unhealthy = false
			f.logger.Info("reconciliation recovered", "component", f.component)
			if f.report != nil {
				f.report(true)
			}
		}
		return
	}
	metrics.ReconcileFailures.WithLabelValues(f.component).Inc()
	f.failures++
	if f.failures >= f.max && !f.unhealthy {
		f.unhealthy = true
		f.logger.Error("reconciliation failing", "component", f.component, "consecutive", f.failures, "error", err)
		if f.report != nil {
			f.report(false)
		}
	}
}
