package scan

import (
	"context"
	"errors"
)

// ErrorKind classifies a failed attempt. Every kind is recoverable by the
// retry engine.
type ErrorKind string

const (
	ErrKindNone               ErrorKind = ""
	ErrKindCameraPermission   ErrorKind = "camera_permission"
	ErrKindPoorLighting       ErrorKind = "poor_lighting"
	ErrKindQRNotDetected      ErrorKind = "qr_not_detected"
	ErrKindAIProcessingFailed ErrorKind = "ai_processing_failed"
	ErrKindValidationFailed   ErrorKind = "validation_failed"
	ErrKindNetwork            ErrorKind = "network_error"
)

var (
	ErrPermissionDenied = errors.New("camera access denied")
	ErrPoorLighting     = errors.New("lighting below usable threshold")
	ErrNoPayload        = errors.New("no payload found in frame")
	ErrRemoteService    = errors.New("remote recognition failed")
	ErrValidation       = errors.New("payload fails structural grammar")
	ErrNetwork          = errors.New("remote recognition unreachable")
)

// ClassifyError maps err onto an ErrorKind. Unknown errors and timeouts
// are treated as remote processing failures.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, ErrPermissionDenied):
		return ErrKindCameraPermission
	case errors.Is(err, ErrPoorLighting):
		return ErrKindPoorLighting
	case errors.Is(err, ErrNoPayload):
		return ErrKindQRNotDetected
	case errors.Is(err, ErrValidation):
		return ErrKindValidationFailed
	case errors.Is(err, ErrNetwork):
		return ErrKindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindAIProcessingFailed
	default:
		return ErrKindAIProcessingFailed
	}
}
