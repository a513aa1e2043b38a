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

package sqlerror

// IsTemporary reports whether err is a transient failure that a replay of
// the same transaction can be expected to get past: lock waits, deadlocks,
// interrupted or killed statements and lost connections.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	sqlErr, ok := NewSQLErrorFromError(err).(*SQLError)
	if !ok {
		return false
	}
	switch sqlErr.Num {
	case
		// in numerical order
		ERTooManyUserConnections,
		ERLockWaitTimeout,
		ERLockTableFull,
		ERLockDeadlock,
		ERQueryInterrupted,
		ERConnectionKilled,
		CRServerGone,
		CRServerLost,
		ERQueryTimeout:
		return true
	}
	return false
}

// IsUnrecoverable reports whether err is one that no amount of retrying
// will clear, such as schema mismatches or constraint violations.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	sqlErr, ok := NewSQLErrorFromError(err).(*SQLError)
	if !ok {
		return false
	}
	switch sqlErr.Num {
	case
		// in case-insensitive alphabetical order
		ERAccessDeniedError,
		ERBadFieldError,
		ERBadNullError,
		ERCantDropFieldOrKey,
		ERDataOutOfRange,
		ERDataTooLong,
		ERDBAccessDenied,
		ERDupEntry,
		ERDupFieldName,
		ERDupKeyName,
		ERFeatureDisabled,
		ERKeyNotFound,
		ERNoDefault,
		ERNoSuchTable,
		ERNotSupportedYet,
		ERParseError,
		ERSyntaxError,
		ERTableAccessDenied,
		ERTableExists,
		ERTruncatedValue,
		ERUnknownTable,
		ERWrongValueCount:
		return true
	}
	return false
}
