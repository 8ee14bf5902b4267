package usecase

import "context"

// MetricsSummary represents aggregated validation insights.
type MetricsSummary struct {
	TotalValidations  int64   `json:"total_validations"`
	LiveValidations   int64   `json:"live_validations"`
	LiveRate          float64 `json:"live_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageAttempts   float64 `json:"average_attempts"`
}

// GetMetricsSummary aggregates validation metrics from persisted records.
func (uc *LivenessUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.store.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalValidations:  aggregation.TotalCount,
		LiveValidations:   aggregation.LiveCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageAttempts:   aggregation.AverageAttempts,
	}

	if aggregation.TotalCount > 0 {
		summary.LiveRate = float64(aggregation.LiveCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
