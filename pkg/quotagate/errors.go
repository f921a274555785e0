package quotagate

import "errors"

// ErrStoreUnavailable is returned when no counter store is configured.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Wire error codes returned in deny bodies. This set is closed; clients
// switch on it.
const (
	CodeDailyQuotaExceeded  = "RATE_LIMIT_DAILY_QUOTA_EXCEEDED"
	CodePerMinuteExceeded   = "RATE_LIMIT_PER_MINUTE_EXCEEDED"
	CodeAuthBlocked         = "RATE_LIMIT_AUTH_BLOCKED"
	CodeAuthCaptchaRequired = "RATE_LIMIT_AUTH_CAPTCHA_REQUIRED"
)
