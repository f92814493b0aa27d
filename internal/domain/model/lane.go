package model

// Lane groups job types into execution lanes. Each lane has its own worker
// concurrency and, on the distributed backend, its own rate limit.
type Lane string

const (
	LaneGeneration    Lane = "generation"
	LaneRendering     Lane = "rendering"
	LaneFileOps       Lane = "file-ops"
	LaneDatabaseOps   Lane = "database-ops"
	LaneScheduledMisc Lane = "scheduled-misc"
)

// AllLanes lists every lane in a stable order.
var AllLanes = []Lane{
	LaneGeneration,
	LaneRendering,
	LaneFileOps,
	LaneDatabaseOps,
	LaneScheduledMisc,
}

// LaneFor maps a job type to its execution lane. Unknown types land in the
// scheduled-misc lane so a misrouted job is still observable rather than lost.
func LaneFor(t JobType) Lane {
	switch t {
	case JobTypeGeneration:
		return LaneGeneration
	case JobTypeRender:
		return LaneRendering
	case JobTypeBackup:
		return LaneFileOps
	case JobTypeRetentionSweep, JobTypeCacheSweep:
		return LaneDatabaseOps
	case JobTypeNotification, JobTypeReminderSweep:
		return LaneScheduledMisc
	}
	return LaneScheduledMisc
}

// JobTypes returns the job types routed to this lane.
func (l Lane) JobTypes() []JobType {
	types := make([]JobType, 0, 2)
	for _, t := range []JobType{
		JobTypeGeneration, JobTypeNotification, JobTypeRender, JobTypeBackup,
		JobTypeRetentionSweep, JobTypeCacheSweep, JobTypeReminderSweep,
	} {
		if LaneFor(t) == l {
			types = append(types, t)
		}
	}
	return types
}
