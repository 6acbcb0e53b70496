package model

import "errors"

var (
	ErrShapeMismatch             = errors.New("shape mismatch")
	ErrInsufficientData          = errors.New("insufficient data")
	ErrInvalidStateTransition    = errors.New("invalid state transition")
	ErrSessionBusy               = errors.New("session busy")
	ErrSessionEnded              = errors.New("session ended")
	ErrModelNotLoaded            = errors.New("model not loaded")
	ErrDuplicateSession          = errors.New("duplicate session")
	ErrSessionNotFound           = errors.New("session not found")
	ErrTrainingAlreadyInProgress = errors.New("training already in progress")
	ErrTrainingFailed            = errors.New("training failed")
)

// ErrorCode maps a domain error to its API error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShapeMismatch):
		return ErrCodeShapeMismatch
	case errors.Is(err, ErrInsufficientData):
		return ErrCodeInsufficientData
	case errors.Is(err, ErrInvalidStateTransition):
		return ErrCodeInvalidStateTransition
	case errors.Is(err, ErrSessionBusy), errors.Is(err, ErrSessionEnded):
		return ErrCodeSessionBusy
	case errors.Is(err, ErrModelNotLoaded):
		return ErrCodeModelNotLoaded
	case errors.Is(err, ErrDuplicateSession):
		return ErrCodeDuplicateSession
	case errors.Is(err, ErrSessionNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrTrainingAlreadyInProgress):
		return ErrCodeTrainingInProgress
	case errors.Is(err, ErrTrainingFailed):
		return ErrCodeTrainingFailed
	default:
		return ErrCodeInternal
	}
}
