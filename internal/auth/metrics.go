package auth

// Result labels reported to Metrics.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultInvalid     = "invalid"
	ResultInactive    = "inactive"
	ResultUnavailable = "unavailable"
	ResultAllowed     = "allowed"
	ResultDenied      = "denied"
)

// Metrics receives counters from the auth core. internal/obs provides the
// Prometheus implementation.
type Metrics interface {
	LoginAttempt(result string)
	TokenVerified(result string)
	SessionDegraded()
	PermissionChecked(result string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) LoginAttempt(string)      {}
func (NopMetrics) TokenVerified(string)     {}
func (NopMetrics) SessionDegraded()         {}
func (NopMetrics) PermissionChecked(string) {}
