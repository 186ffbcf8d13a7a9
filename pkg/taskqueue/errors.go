package taskqueue

import (
	"context"
	"errors"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
)

// Error codes reported to the backend in TaskResult.ErrorCode.
const (
	ErrorCodeSage50    = "SAGE50_ERROR"
	ErrorCodeTimeout   = "TIMEOUT"
	ErrorCodeExecution = "EXECUTION_ERROR"
)

// ErrorKind classifies why an attempt failed.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConnector
	KindTimeout
	KindExecution
	KindUnknownTaskType
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnector:
		return "connector"
	case KindTimeout:
		return "timeout"
	case KindExecution:
		return "execution"
	case KindUnknownTaskType:
		return "unknown_task_type"
	default:
		return "unknown"
	}
}

// Code maps the kind onto the backend error code.
func (k ErrorKind) Code() string {
	switch k {
	case KindNone:
		return ""
	case KindConnector:
		return ErrorCodeSage50
	case KindTimeout:
		return ErrorCodeTimeout
	default:
		return ErrorCodeExecution
	}
}

// ClassifyError decides the ErrorKind for a handler outcome.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnknownTaskType):
		return KindUnknownTaskType
	case errors.Is(err, ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case connector.IsError(err):
		return KindConnector
	default:
		return KindExecution
	}
}
