package connection

import "time"

type RecoveryStage string

const (
	StageNone              RecoveryStage = ""
	StageValidating        RecoveryStage = "validating"
	StageRefreshingToken   RecoveryStage = "refreshing_token"
	StageTestingConnection RecoveryStage = "testing_connection"
	StageRecovered         RecoveryStage = "recovered"
)

// State is the in-memory, process-lifetime mutable state of one connection.
// It never touches storage; persistence of status is a separate concern.
// Invariant: IsRecovering implies RecoveryStage != StageNone.
type State struct {
	IsActive     bool      `json:"is_active"`
	LastActivity time.Time `json:"last_activity"`

	ErrorCount          int    `json:"error_count"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`

	IsRecovering        bool          `json:"is_recovering"`
	RecoveryStage       RecoveryStage `json:"recovery_stage,omitempty"`
	RecoveryAttempts    int           `json:"recovery_attempts"`
	LastRecoveryAttempt time.Time     `json:"last_recovery_attempt,omitempty"`

	TokenRefreshInProgress bool      `json:"token_refresh_in_progress"`
	ScheduledRefreshAt     time.Time `json:"scheduled_refresh_at,omitempty"`

	ConsecutiveValidationFailures int       `json:"consecutive_validation_failures"`
	LastValidationAt              time.Time `json:"last_validation_at,omitempty"`

	CheckCount uint64 `json:"check_count"`
}
