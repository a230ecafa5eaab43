package domain

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult вычисляется на каждый запрос и нигде не хранится.
type HealthCheckResult struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Details any          `json:"details,omitempty"`
}

// ServerInfo - самопроверка процесса.
type ServerInfo struct {
	Uptime     float64    `json:"uptime"` // секунды
	Memory     MemoryInfo `json:"memory"`
	Goroutines int        `json:"goroutines"`
	Timestamp  string     `json:"timestamp"`
}

type MemoryInfo struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapSys    uint64 `json:"heapSys"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGC"`
	HeapUsedMB uint64 `json:"heapUsedMB"`
}

// HealthResponse - ответ /health/detailed.
type HealthResponse struct {
	Status       HealthStatus        `json:"status"`
	Timestamp    string              `json:"timestamp"`
	Version      string              `json:"version"`
	ResponseTime float64             `json:"responseTime"` // мс
	Server       ServerInfo          `json:"server"`
	Checks       []HealthCheckResult `json:"checks"`
}

// Healthy сообщает итоговый вердикт.
func (r HealthResponse) Healthy() bool {
	return r.Status == StatusHealthy
}

// SimpleHealth - ответ /health/simple, без глубоких проверок.
type SimpleHealth struct {
	Status    string `json:"status"` // всегда "ok"
	Timestamp string `json:"timestamp"`
}

// HealthSummary - ответ /health.
type HealthSummary struct {
	Status       HealthStatus        `json:"status"`
	Checks       []HealthCheckResult `json:"checks"`
	ResponseTime float64             `json:"responseTime"`
	Version      string              `json:"version"`
}

func (r HealthResponse) Summary() HealthSummary {
	return HealthSummary{
		Status:       r.Status,
		Checks:       r.Checks,
		ResponseTime: r.ResponseTime,
		Version:      r.Version,
	}
}
