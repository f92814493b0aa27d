// Package queue provides the job queue backends and the dispatcher that maps
// job types to handlers.
package queue

import "github.com/clientpilot/clientpilot/internal/domain/model"

// LaneConfig tunes one execution lane.
type LaneConfig struct {
	// Concurrency is the number of workers pulling from the lane.
	Concurrency int
	// RatePerMinute caps lane throughput on the distributed backend.
	// Zero means unlimited.
	RatePerMinute int
}

// DefaultLaneConfigs are the distributed-backend lane settings. The
// generation lane is throttled hardest since every pull hits the language
// model API.
var DefaultLaneConfigs = map[model.Lane]LaneConfig{
	model.LaneGeneration:    {Concurrency: 2, RatePerMinute: 6},
	model.LaneRendering:     {Concurrency: 3, RatePerMinute: 30},
	model.LaneFileOps:       {Concurrency: 2, RatePerMinute: 12},
	model.LaneDatabaseOps:   {Concurrency: 2, RatePerMinute: 30},
	model.LaneScheduledMisc: {Concurrency: 3, RatePerMinute: 60},
}

// inProcessConcurrency returns the worker count for a lane on the in-process
// backend: one for generation, three everywhere else.
func inProcessConcurrency(lane model.Lane) int {
	if lane == model.LaneGeneration {
		return 1
	}
	return 3
}
