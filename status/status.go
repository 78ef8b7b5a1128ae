// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package status implements the error taxonomy shared by the scheduler,
batch-resource, and unbatch-resource packages.

# Codes

Six non-OK codes cover the failure modes that the batching core can
produce: InvalidArgument, ResourceExhausted, DeadlineExceeded,
FailedPrecondition, Internal, and AlreadyExists. A seventh, OK, marks
success and is never attached to an error value.

# Usage

	if task.Size() > opts.MaxBatchSize {
	    return status.New(status.InvalidArgument, "task exceeds max_batch_size")
	}
*/
package status

import "fmt"

// Code identifies the class of failure a Status represents.
type Code string

const (
	OK                 Code = "OK"
	InvalidArgument    Code = "INVALID_ARGUMENT"
	ResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	DeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	FailedPrecondition Code = "FAILED_PRECONDITION"
	Internal           Code = "INTERNAL"
	AlreadyExists      Code = "ALREADY_EXISTS"
)

// Status is a structured error carrying a Code, a human-readable
// Message, and an optional underlying Cause.
type Status struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (s *Status) Error() string {
	if s == nil {
		return ""
	}
	if s.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", s.Code, s.Message, s.Cause)
	}
	return fmt.Sprintf("[%s] %s", s.Code, s.Message)
}

// Unwrap returns the underlying cause, if any.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.Cause
}

// New creates a Status with the given code and message.
func New(code Code, message string) *Status {
	return &Status{Code: code, Message: message}
}

// Newf creates a Status with a formatted message.
func Newf(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause and returns the receiver.
func (s *Status) WithCause(cause error) *Status {
	s.Cause = cause
	return s
}

// Ok reports whether s represents success (nil or Code OK).
func Ok(s *Status) bool {
	return s == nil || s.Code == OK || s.Code == ""
}

// CodeOf extracts the Code from an error, returning OK if err is nil
// and Internal if err is a non-Status error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if s, ok := err.(*Status); ok {
		return s.Code
	}
	return Internal
}

// Is reports whether err is a *Status carrying the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// FromError wraps a plain error as an Internal Status, or returns it
// unchanged if it already is one.
func FromError(err error) *Status {
	if err == nil {
		return nil
	}
	if s, ok := err.(*Status); ok {
		return s
	}
	return &Status{Code: Internal, Message: err.Error(), Cause: err}
}
