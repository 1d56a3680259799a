package application

import (
	"errors"
	"fmt"
	"time"
)

// RejectionReason classifies a dropped reading.
type RejectionReason string

const (
	RejectInvalidReading RejectionReason = "invalid_reading"
	RejectClockSkew      RejectionReason = "clock_skew"
	RejectUnknownUnit    RejectionReason = "unknown_unit"
	RejectInactiveUnit   RejectionReason = "inactive_unit"
	RejectOutOfOrder     RejectionReason = "out_of_order"
)

// ErrReadingRejected matches every *RejectionError.
var ErrReadingRejected = errors.New("alerts: reading rejected")

// Rejection is a recorded ingestion rejection.
type Rejection struct {
	UnitID     string          `json:"unit_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	Reason     RejectionReason `json:"reason"`
	Detail     string          `json:"detail"`
	RecordedAt time.Time       `json:"recorded_at,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// RejectionError is returned when a reading or manual log is dropped.
type RejectionError struct {
	Rejection Rejection
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("alerts: reading rejected (%s): %s", e.Rejection.Reason, e.Rejection.Detail)
}

func (e *RejectionError) Unwrap() error {
	return ErrReadingRejected
}

// RejectionReasonOf extracts the reason from a rejection error.
func RejectionReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Rejection.Reason, true
	}
	return "", false
}
