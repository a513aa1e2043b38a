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

package vterrors

// ErrorCode is the error category carried by every vterror. The values mirror the
// canonical gRPC codes so they can be mapped one to one at RPC boundaries.
type ErrorCode int32

// The error codes used across parapply.
const (
	OK                 ErrorCode = 0
	Canceled           ErrorCode = 1
	Unknown            ErrorCode = 2
	InvalidArgument    ErrorCode = 3
	DeadlineExceeded   ErrorCode = 4
	NotFound           ErrorCode = 5
	AlreadyExists      ErrorCode = 6
	PermissionDenied   ErrorCode = 7
	ResourceExhausted  ErrorCode = 8
	FailedPrecondition ErrorCode = 9
	Aborted            ErrorCode = 10
	OutOfRange         ErrorCode = 11
	Unimplemented      ErrorCode = 12
	Internal           ErrorCode = 13
	Unavailable        ErrorCode = 14
	DataLoss           ErrorCode = 15
)

var codeNames = map[ErrorCode]string{
	OK:                 "OK",
	Canceled:           "CANCELED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}
