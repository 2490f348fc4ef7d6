package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MOracleRequests          MetricKey = "oracle_requests_total"
	MOracleRequestDuration   MetricKey = "oracle_request_duration_seconds"
	MMonitorTickDuration     MetricKey = "monitor_tick_duration_seconds"
	MMonitorPaymentsChecked  MetricKey = "monitor_payments_checked_total"
	MIntegrityViolations     MetricKey = "integrity_violations_total"
	MUnitsReserved           MetricKey = "units_reserved_total"
	MUnitsReleased           MetricKey = "units_released_total"
)
