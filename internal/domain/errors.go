package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoPassphrase     = errors.New("no encryption passphrase provided")
	ErrReminderNotFound = errors.New("reminder not configured")
	ErrNoRecipients     = errors.New("no recipients configured")
	ErrEmptyAddress     = errors.New("calendar address is empty")
)

// ConfigError is a fatal configuration problem detected before scheduling.
type ConfigError struct {
	Problems []string
	Err      error
}

func (e *ConfigError) Error() string {
	var msg string
	switch {
	case len(e.Problems) > 0:
		msg = "invalid configuration: " + strings.Join(e.Problems, "; ")
	case e.Err != nil:
		msg = "invalid configuration: " + e.Err.Error()
	default:
		msg = "invalid configuration"
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ScheduleError means one reminder could not be registered with the scheduler.
type ScheduleError struct {
	Reminder string
	Spec     string
	Err      error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule reminder %q (cron %q): %v", e.Reminder, e.Spec, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// FetchError is a network or authentication failure for one calendar endpoint.
type FetchError struct {
	Calendar string
	URL      string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch calendar %s: %v", e.Calendar, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a malformed calendar payload.
type ParseError struct {
	Calendar string
	Resource string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("parse calendar %s (%s): %v", e.Calendar, e.Resource, e.Err)
	}
	return fmt.Sprintf("parse calendar %s: %v", e.Calendar, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DecryptionError is returned when an ENC(...) credential cannot be decrypted.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return "decrypt credential: " + e.Err.Error()
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// DeliveryError wraps a transport failure while sending a digest.
type DeliveryError struct {
	Reminder string
	Channel  string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver reminder %q via %s: %v", e.Reminder, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
