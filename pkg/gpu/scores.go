package gpu

// Performance scores are computed on demand for the health push and are
// never persisted.

// PerformanceScore rates the GPU from its latest sample and health check.
// Starts at 100; loses 2 points per degree above 80°C, another 10 once the
// temperature check threshold is crossed, and 20 if the fan check failed.
func PerformanceScore(sample *MetricSample, health *HealthRecord) float64 {
	score := 100.0

	if sample != nil && sample.Temperature != nil {
		temp := *sample.Temperature
		if temp > 80 {
			score -= 2 * (temp - 80)
		}
		if temp > MaxNormalTemperature {
			score -= 10
		}
	}
	if health != nil && !health.FanOperational {
		score -= 20
	}

	return clampScore(score)
}

// StabilityScore rates overall stability from the health check: 15 points
// per failing probe, plus a grade penalty (30 unhealthy, 15 warning).
func StabilityScore(health *HealthRecord) float64 {
	if health == nil {
		return 0
	}

	score := 100.0 - 15*float64(health.ErrorCount)
	switch health.Overall {
	case Unhealthy:
		score -= 30
	case Warning:
		score -= 15
	}

	return clampScore(score)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
