package dispatch

import (
	"math"
	"time"
)

// warmupTasks is how many tasks must finish before observed timings replace the estimate
const warmupTasks = 5

type etaEstimator struct {
	assumedLatency time.Duration
	queryCount     int
	engineCount    int

	completed int
	elapsed   time.Duration
}

func newETAEstimator(assumedLatency time.Duration, queryCount, engineCount int) *etaEstimator {
	return &etaEstimator{assumedLatency: assumedLatency, queryCount: queryCount, engineCount: engineCount}
}

// observe records the wall time one task took, delays included
func (e *etaEstimator) observe(d time.Duration) {
	e.completed++
	e.elapsed += d
}

// remaining counts the tasks left when t is about to run, t included
func (e *etaEstimator) remaining(t Task) int {
	n := (e.queryCount - t.QueryIndex) + e.queryCount*(e.engineCount-t.EngineIndex-1)
	if n < 0 {
		return 0
	}
	return n
}

// perTask is the theoretical time per task during warmup, the observed average after
func (e *etaEstimator) perTask(interCallDelay time.Duration) time.Duration {
	if e.completed < warmupTasks {
		return e.assumedLatency + interCallDelay
	}
	return e.elapsed / time.Duration(e.completed)
}

// estimate returns the ETA for tasks remaining tasks, in whole seconds rounded up
func (e *etaEstimator) estimate(tasks int, interCallDelay time.Duration) *int64 {
	if tasks < 0 {
		tasks = 0
	}
	d := e.perTask(interCallDelay) * time.Duration(tasks)
	secs := int64(math.Ceil(d.Seconds()))
	return &secs
}
