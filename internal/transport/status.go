package transport

// Tuning outcome reported in startup logs.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)
