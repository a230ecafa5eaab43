package domain

// RequestLogEntry - одна завершённая пара запрос/ответ.
type RequestLogEntry struct {
	ID           string            `json:"id"`
	Timestamp    string            `json:"timestamp"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	StatusCode   int               `json:"statusCode"`
	ResponseTime float64           `json:"responseTime"` // мс
	UserAgent    string            `json:"userAgent,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// IsError - ответ с кодом >= 400.
func (e RequestLogEntry) IsError() bool {
	return e.StatusCode >= 400
}

// RequestStats - агрегаты по кольцевому буферу запросов.
type RequestStats struct {
	Total           int         `json:"total"`
	Errors          int         `json:"errors"`
	AvgResponseTime float64     `json:"avgResponseTime"`
	StatusCodes     map[int]int `json:"statusCodes"`
}

// RequestFilter - параметры выборки GET /requests.
// Приоритет: StatusCode, затем ErrorsOnly, затем RecentOnly, затем весь буфер.
type RequestFilter struct {
	Limit      int
	StatusCode int
	ErrorsOnly bool
	RecentOnly bool
}
