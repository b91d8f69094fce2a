package dispatch

import "github.com/brandlens/orchestrator/internal/db"

// Task is one (query, engine) pair of a session run
type Task struct {
	Index       int
	Engine      db.TargetEngine
	EngineIndex int
	Query       db.QueryTask
	QueryIndex  int
}

// BuildTasks expands engines × queries, engine-major: every query runs against the first engine
// before the second engine starts. Query order is preserved as given.
func BuildTasks(engines []db.TargetEngine, queries []db.QueryTask) []Task {
	tasks := make([]Task, 0, len(engines)*len(queries))
	for ei, e := range engines {
		for qi, q := range queries {
			tasks = append(tasks, Task{
				Index:       len(tasks),
				Engine:      e,
				EngineIndex: ei,
				Query:       q,
				QueryIndex:  qi,
			})
		}
	}
	return tasks
}
