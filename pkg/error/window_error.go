package error

import (
	"fmt"
	"net/http"
	"time"
)

// WindowClosedError is returned when a send is attempted outside the
// provider's messaging window. It carries the timestamps the caller needs to
// explain the rejection to the user.
type WindowClosedError struct {
	ConversationID    string
	Status            string // expired | closed | user_blocked
	ExpiresAt         time.Time
	LastInteractionAt time.Time
}

func (e *WindowClosedError) Error() string {
	return fmt.Sprintf("messaging window %s for conversation %s (expired %s, last interaction %s)",
		e.Status, e.ConversationID, e.ExpiresAt.Format(time.RFC3339), e.LastInteractionAt.Format(time.RFC3339))
}

func (e *WindowClosedError) ErrCode() string {
	return "MESSAGING_WINDOW_CLOSED"
}

func (e *WindowClosedError) StatusCode() int {
	return http.StatusUnprocessableEntity
}
