package cloudsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransportFailure  = errors.New("cloudsync: transport failure")
	ErrServerRejected    = errors.New("cloudsync: server rejected records")
	ErrEncodingFailure   = errors.New("cloudsync: encoding failure")
	ErrUnknownCollection = errors.New("cloudsync: unknown collection")
	ErrNotFound          = errors.New("cloudsync: entity not found")
)

// RejectedError names the records a push did not get acknowledged for.
// Those records keep their modified state and stay pending.
type RejectedError struct {
	Collection string
	UIDs       []string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("cloudsync: server rejected %d %s record(s) [%s]", len(e.UIDs), e.Collection, strings.Join(e.UIDs, ", "))
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return ErrServerRejected }
