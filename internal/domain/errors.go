package domain

import (
	"errors"
	"fmt"
	"time"
)

// AuthError reports an expired or rejected token. The caller renews the
// session and retries the failed call once.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: unauthorized", e.Op)
	}
	return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a retriable failure: connection drop, timeout, 5xx, or a
// non-success read response.
type TransientError struct {
	Op   string
	Code int
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: transient (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// BrokerRejection is a terminal non-success response to a write. It is never
// retried.
type BrokerRejection struct {
	Op      string
	Code    int
	Message string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("%s: rejected by broker (code %d): %s", e.Op, e.Code, e.Message)
}

// DataIntegrityError reports a sequence gap or a divergence between locally
// derived state and a broker snapshot.
type DataIntegrityError struct {
	Kind      string // "sequence_gap" or "position_divergence"
	AccountID int64
	Contract  string
	Local     float64
	Remote    float64
	Detail    string
	At        time.Time
}

func (e *DataIntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("data integrity: %s account=%d contract=%s: %s", e.Kind, e.AccountID, e.Contract, e.Detail)
	}
	return fmt.Sprintf("data integrity: %s account=%d contract=%s local=%g remote=%g",
		e.Kind, e.AccountID, e.Contract, e.Local, e.Remote)
}

// RiskLimitBreach blocks one order intent. It never halts the system.
type RiskLimitBreach struct {
	Check    string
	SignalID string
	Reason   string
}

func (e *RiskLimitBreach) Error() string {
	return fmt.Sprintf("risk: %s: %s", e.Check, e.Reason)
}

// FatalError halts new order submission until an operator resumes trading.
type FatalError struct {
	Component string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Component, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejection reports whether err is or wraps a BrokerRejection.
func IsRejection(err error) bool {
	var br *BrokerRejection
	return errors.As(err, &br)
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRiskBreach reports whether err is or wraps a RiskLimitBreach.
func IsRiskBreach(err error) bool {
	var rb *RiskLimitBreach
	return errors.As(err, &rb)
}
