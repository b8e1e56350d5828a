package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
)

var (
	runsActive         atomic.Int64
	runsCompleted      atomic.Int64
	runsFailed         atomic.Int64
	optimizerSteps     atomic.Int64
	evaluationsRun     atomic.Int64
	checkpointsWritten atomic.Int64
	bestMetricBits     atomic.Uint64
)

func Init() {
	bestMetricBits.Store(math.Float64bits(math.Inf(-1)))
}

func RunStarted() {
	runsActive.Add(1)
}

func RunFinished(failed bool) {
	runsActive.Add(-1)
	if failed {
		runsFailed.Add(1)
	} else {
		runsCompleted.Add(1)
	}
}

func ObserveStep() {
	optimizerSteps.Add(1)
}

func ObserveEval(best float64) {
	evaluationsRun.Add(1)
	for {
		old := bestMetricBits.Load()
		if best <= math.Float64frombits(old) {
			return
		}
		if bestMetricBits.CompareAndSwap(old, math.Float64bits(best)) {
			return
		}
	}
}

func ObserveCheckpoint() {
	checkpointsWritten.Add(1)
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP anneal_trainer_runs_active Number of training runs currently executing.\n")
	fmt.Fprintf(w, "# TYPE anneal_trainer_runs_active gauge\n")
	fmt.Fprintf(w, "anneal_trainer_runs_active %d\n", runsActive.Load())

	fmt.Fprintf(w, "# HELP anneal_trainer_runs_completed_total Number of training runs finished without error since start.\n")
	fmt.Fprintf(w, "# TYPE anneal_trainer_runs_completed_total counter\n")
	fmt.Fprintf(w, "anneal_trainer_runs_completed_total %d\n", runsCompleted.Load())

	fmt.Fprintf(w, "# HELP anneal_trainer_runs_failed_total Number of training runs that failed since start.\n")
	fmt.Fprintf(w, "# TYPE anneal_trainer_runs_failed_total counter\n")
	fmt.Fprintf(w, "anneal_trainer_runs_failed_total %d\n", runsFailed.Load())

	fmt.Fprintf(w, "# HELP anneal_trainer_optimizer_steps_total Number of completed optimizer steps since start.\n")
	fmt.Fprintf(w, "# TYPE anneal_trainer_optimizer_steps_total counter\n")
	fmt.Fprintf(w, "anneal_trainer_optimizer_steps_total %d\n", optimizerSteps.Load())

	fmt.Fprintf(w, "# HELP anneal_trainer_evaluations_total Number of validation passes since start.\n")
	fmt.Fprintf(w, "# TYPE anneal_trainer_evaluations_total counter\n")
	fmt.Fprintf(w, "anneal_trainer_evaluations_total %d\n", evaluationsRun.Load())

	fmt.Fprintf(w, "# HELP anneal_trainer_checkpoints_written_total Number of checkpoints persisted since start.\n")
	fmt.Fprintf(w, "# TYPE anneal_trainer_checkpoints_written_total counter\n")
	fmt.Fprintf(w, "anneal_trainer_checkpoints_written_total %d\n", checkpointsWritten.Load())

	best := math.Float64frombits(bestMetricBits.Load())
	if !math.IsInf(best, -1) {
		fmt.Fprintf(w, "# HELP anneal_trainer_best_selection_metric Best selection metric observed across runs since start.\n")
		fmt.Fprintf(w, "# TYPE anneal_trainer_best_selection_metric gauge\n")
		fmt.Fprintf(w, "anneal_trainer_best_selection_metric %g\n", best)
	}
}
