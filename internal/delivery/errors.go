package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrFatalTransport is returned by Dispatch when an unclassified transport
	// error stopped the batch. The owner must treat it as a shutdown signal.
	ErrFatalTransport = errors.New("delivery: fatal transport error")
	// ErrConfiguration wraps formatter misuse (e.g. no split limit).
	ErrConfiguration = errors.New("delivery: configuration error")
)

// ErrorKind is the delivery error taxonomy.
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindUnreachable
	KindMigrated
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "recipient_unreachable"
	case KindMigrated:
		return "recipient_migrated"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classification is the result of mapping a transport error onto the taxonomy.
type Classification struct {
	Kind ErrorKind
	// MigratedTo is set for KindMigrated.
	MigratedTo Recipient
	Reason     string
}

// Classifier maps transport-specific errors. Unknown errors must map to KindFatal.
type Classifier func(err error) Classification

// Status is the per-recipient outcome.
type Status int

const (
	StatusSent Status = iota
	StatusBlocked
	StatusMigrated
	StatusTransient
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusBlocked:
		return "blocked"
	case StatusMigrated:
		return "migrated"
	case StatusTransient:
		return "transient_error"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func statusFor(k ErrorKind) Status {
	switch k {
	case KindUnreachable:
		return StatusBlocked
	case KindMigrated:
		return StatusMigrated
	case KindTransient:
		return StatusTransient
	default:
		return StatusFatal
	}
}

// Outcome is what happened to one recipient.
type Outcome struct {
	Recipient Recipient
	Status    Status
	// NewRecipient is set for StatusMigrated.
	NewRecipient Recipient
	Reason       string
	Err          error
}
