package main

import (
	"errors"

	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/scheduler"
)

// Exit statuses.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitUsage       = 2
	exitConfig      = 3
	exitEncryption  = 4
	exitDelivery    = 5
	exitUnavailable = 6
)

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var (
		ue *usageError
		ce *domain.ConfigError
		de *domain.DecryptionError
		dl *domain.DeliveryError
	)
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.As(err, &ce):
		return exitConfig
	case errors.As(err, &de):
		return exitEncryption
	case errors.Is(err, scheduler.ErrUnavailable):
		return exitUnavailable
	case errors.As(err, &dl):
		return exitDelivery
	default:
		return exitRuntime
	}
}
