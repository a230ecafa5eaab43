package domain

// DailyMetrics - счётчики за одни UTC-сутки.
type DailyMetrics struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	Requests        int64   `json:"requests"`
	Errors          int64   `json:"errors"`
	Validations     int64   `json:"validations"`
	RuleTriggers    int64   `json:"ruleTriggers"`
	TaskEvents      int64   `json:"taskEvents"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	ResponseSamples int64   `json:"responseSamples,omitempty"` // знаменатель скользящего среднего
	UniqueUsers     int64   `json:"uniqueUsers"`
}

// PeakDay - сутки с максимальным числом запросов в окне.
type PeakDay struct {
	Date     string `json:"date"`
	Requests int64  `json:"requests"`
}

// MetricsSummary считается только по дням, у которых есть данные.
type MetricsSummary struct {
	TotalRequests   int64    `json:"totalRequests"`
	TotalErrors     int64    `json:"totalErrors"`
	AvgResponseTime float64  `json:"avgResponseTime"`
	ErrorRate       float64  `json:"errorRate"`
	PeakDay         *PeakDay `json:"peakDay"`
	Days            int      `json:"days"`
}

// MetricsReport - ответ GET /metrics.
type MetricsReport struct {
	Range   string         `json:"range"`
	Data    []DailyMetrics `json:"data"`
	Summary MetricsSummary `json:"summary"`
}
