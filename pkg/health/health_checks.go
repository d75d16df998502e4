package health

import "time"

// Common health check functions

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// EngineCheck reports the store's fatal-error state. getFatal returns the
// error that tripped the engine into its terminal state, or nil if the
// engine is still accepting writes.
func EngineCheck(getFatal func() error) CheckFunc {
	return func() Check {
		check := Check{
			Name: "engine",
		}

		if err := getFatal(); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "accepting writes"
		}

		return check
	}
}

// MergeBacklogCheck reports how far the merge chain has fallen behind its
// configured debt ceiling. getBacklog returns the current and maximum
// allowed quanta of unpaid merge debt across all levels.
func MergeBacklogCheck(getBacklog func() (current, max int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "merge_backlog",
			Details: make(map[string]any),
		}

		current, max := getBacklog()
		check.Details["current_quanta"] = current
		check.Details["max_quanta"] = max

		if max > 0 && current >= max {
			check.Status = StatusDegraded
			check.Message = "merge debt at configured ceiling"
		} else {
			check.Status = StatusHealthy
			check.Message = "merge debt within bounds"
		}

		return check
	}
}

// DiskSpaceCheck creates a health check for disk space
func DiskSpaceCheck(getUsage func() (used, total uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "disk_space",
			Details: make(map[string]any),
		}

		used, total := getUsage()

		usagePercent := float64(used) / float64(total) * 100

		check.Details["used_bytes"] = used
		check.Details["total_bytes"] = total
		check.Details["usage_percent"] = usagePercent

		if usagePercent > 95 {
			check.Status = StatusUnhealthy
			check.Message = "Critical disk space"
		} else if usagePercent > 80 {
			check.Status = StatusDegraded
			check.Message = "Low disk space"
		} else {
			check.Status = StatusHealthy
			check.Message = "Sufficient disk space"
		}

		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		// Consider degraded if allocated memory > 90% of system memory
		usagePercent := float64(alloc) / float64(sys) * 100

		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}
