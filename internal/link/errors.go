package link

import "errors"

var (
	// ErrRadioBringUp is fatal: the process cannot proceed without a radio.
	ErrRadioBringUp = errors.New("radio bring-up failed")
	// ErrRadioNotReady is returned by Join before the radio is brought up.
	ErrRadioNotReady = errors.New("radio not ready")
	// ErrJoinAttempt wraps a single failed association attempt.
	ErrJoinAttempt = errors.New("join attempt failed")
	// ErrJoinExhausted ends a join cycle after the policy's attempts ran out.
	ErrJoinExhausted = errors.New("join attempts exhausted")
)
