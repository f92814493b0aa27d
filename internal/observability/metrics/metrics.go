// Package metrics emits standardised StatsD metrics for the pipeline.
package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/clientpilot/clientpilot/internal/observability/errors"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Lane       string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"lane":       in.Lane,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitCacheLookup emits a response-cache hit or miss.
func EmitCacheLookup(sink statsd.Sink, model string, hit bool, tokensSaved int64) {
	if sink == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	tags := map[string]string{"model": model, "result": result}
	sink.Count("cache.lookup", 1, tags)
	if tokensSaved > 0 {
		sink.Count("cache.tokens_saved", tokensSaved, map[string]string{"model": model})
	}
}

// EmitBudgetAlert emits a budget threshold crossing.
func EmitBudgetAlert(sink statsd.Sink, period string, threshold int) {
	if sink == nil {
		return
	}
	sink.Count("budget.alert", 1, map[string]string{
		"period":    period,
		"threshold": strconv.Itoa(threshold),
	})
}

// EmitSchedulerFire emits one scheduler task firing.
func EmitSchedulerFire(sink statsd.Sink, taskName string, result string) {
	if sink == nil {
		return
	}
	sink.Count("scheduler.fire", 1, map[string]string{
		"task":   taskName,
		"result": result,
	})
}

// EmitReaperSweep emits reaper cleanup counts per step.
func EmitReaperSweep(sink statsd.Sink, step string, removed int64) {
	if sink == nil {
		return
	}
	sink.Count("reaper.removed", removed, map[string]string{"step": step})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
