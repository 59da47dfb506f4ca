package runtime

import "log"

// CPUPercent applies the standard delta-over-interval formula:
// (cpuDelta/systemDelta) * onlineCPUs * 100. Non-positive deltas (fresh
// container, counter reset, clock skew) yield 0, never a negative value;
// a negative input is logged since it indicates counter inconsistency.
func CPUPercent(s *UsageSnapshot) float64 {
	if s.CPUDelta < 0 || s.SystemDelta < 0 {
		log.Printf("[runtime] negative CPU deltas clamped: cpu=%d system=%d", s.CPUDelta, s.SystemDelta)
		return 0
	}
	if s.CPUDelta == 0 || s.SystemDelta == 0 {
		return 0
	}
	cpus := s.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	return float64(s.CPUDelta) / float64(s.SystemDelta) * float64(cpus) * 100.0
}

// MemoryPercent returns usage as a share of the limit, clamped at 0 when
// the engine reports no limit.
func MemoryPercent(s *UsageSnapshot) float64 {
	if s.MemoryLimit == 0 {
		return 0
	}
	return float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100.0
}
