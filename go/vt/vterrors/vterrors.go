/*
Copyright 2026 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vterrors provides errors that carry a Code.
//
// Create errors with New or Errorf and annotate them on the way up with Wrap
// or Wrapf; the code of the innermost vterror is preserved. Code(err)
// extracts it, returning Unknown for plain errors and Canceled /
// DeadlineExceeded for the matching context errors.
//
// Wrapped errors implement Unwrap, so errors.Is and errors.As see through
// every layer.
package vterrors

import (
	"context"
	"errors"
	"fmt"

	"parapply.io/parapply/go/vt/log"
)

type fundamental struct {
	msg  string
	code ErrorCode
}

func (f *fundamental) Error() string { return f.msg }
func (f *fundamental) errorCode() ErrorCode { return f.code }

// coder is implemented by errors that carry a code.
type coder interface {
	errorCode() ErrorCode
}

// New returns an error with the supplied message and code.
func New(code ErrorCode, message string) error {
	return &fundamental{msg: message, code: code}
}

// Errorf formats according to a format specifier and returns the string
// as a value that satisfies error.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &fundamental{msg: fmt.Sprintf(format, args...), code: code}
}

type wrapping struct {
	cause error
	msg   string
}

func (w *wrapping) Error() string { return w.msg + ": " + w.cause.Error() }
func (w *wrapping) Unwrap() error { return w.cause }

// Wrap returns an error annotating err with message.
// If err is nil, Wrap returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrapping{cause: err, msg: message}
}

// Wrapf returns an error annotating err with the format specifier.
// If err is nil, Wrapf returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapping{cause: err, msg: fmt.Sprintf(format, args...)}
}

type coded struct {
	cause error
	code  ErrorCode
}

func (c *coded) Error() string { return c.cause.Error() }
func (c *coded) Unwrap() error { return c.cause }
func (c *coded) errorCode() ErrorCode { return c.code }

// WithCode returns err tagged with code. The outermost code in a chain wins.
// If err is nil, WithCode returns nil.
func WithCode(err error, code ErrorCode) error {
	if err == nil {
		return nil
	}
	return &coded{cause: err, code: code}
}

// Code returns the error code if it's a vterror.
// If err is nil, it returns OK.
func Code(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var c coder
	if errors.As(err, &c) {
		return c.errorCode()
	}
	// Handle some special cases.
	switch {
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	}
	return Unknown
}

// RootCause returns the innermost error that does not wrap another one.
func RootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// Equals returns true iff the error message and the code returned by Code()
// are equal.
func Equals(a, b error) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Error() == b.Error() && Code(a) == Code(b)
}

// LogIfError logs an error if it is not nil. It's meant for deferred calls
// whose error cannot be returned.
func LogIfError(err error) {
	if err != nil {
		log.ErrorDepth(1, err)
	}
}
