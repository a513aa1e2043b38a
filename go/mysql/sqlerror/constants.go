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

// Error codes for client-side errors.
// Originally found in include/mysql/errmsg.h and
// https://dev.mysql.com/doc/mysql-errors/en/client-error-reference.html
const (
	// CRUnknownError is CR_UNKNOWN_ERROR
	CRUnknownError = 2000

	// CRConnectionError is CR_CONNECTION_ERROR
	CRConnectionError = 2002

	// CRConnHostError is CR_CONN_HOST_ERROR
	CRConnHostError = 2003

	// CRServerGone is CR_SERVER_GONE_ERROR.
	// This is returned if the client tries to send a command but it fails.
	CRServerGone = 2006

	// CRServerLost is CR_SERVER_LOST.
	// Used when:
	// - the client cannot write an initial auth packet.
	// - the client cannot read an initial auth packet.
	// - the client cannot read a response from the server.
	CRServerLost = 2013
)

// Error codes for server-side errors.
// Originally found in include/mysql/mysqld_error.h and
// https://dev.mysql.com/doc/mysql-errors/en/server-error-reference.html
// The below are in sorted order by value, grouped by vterror code they should be bucketed into.
const (
	// unknown
	ERUnknownError = 1105

	// internal
	ERInternalError = 1815

	// unimplemented
	ERNotSupportedYet = 1235

	// permissions
	ERDBAccessDenied    = 1044
	ERAccessDeniedError = 1045
	ERTableAccessDenied = 1142

	// failed precondition
	ERNoDb               = 1046
	ERNoSuchTable        = 1146
	ERBadDb              = 1049
	ERUnknownTable       = 1109
	ERCantDropFieldOrKey = 1091
	ERFeatureDisabled    = 1289
	ERReadOnlyMode       = 1290
	ERInnodbReadOnly     = 1874

	// invalid arg
	ERBadNullError    = 1048
	ERBadFieldError   = 1054
	ERWrongValueCount = 1058
	ERDupFieldName    = 1060
	ERDupKeyName      = 1061
	ERParseError      = 1064
	ERSyntaxError     = 1149
	ERNoDefault       = 1230
	ERDataTooLong     = 1406
	ERDataOutOfRange  = 1264
	ERTruncatedValue  = 1292

	// already exists
	ERTableExists    = 1050
	ERDupEntry       = 1062
	ERDbCreateExists = 1007

	// not found
	ERKeyNotFound  = 1032
	ERDbDropExists = 1008

	// aborted
	ERLockWaitTimeout        = 1205
	ERLockDeadlock           = 1213
	ERQueryInterrupted       = 1317
	ERConnectionKilled       = 1927
	ERLockTableFull          = 1206
	ERTooManyUserConnections = 1203

	// deadline exceeded
	ERQueryTimeout = 3024
)

// Sql states for errors.
// Originally found in include/mysql/sql_state.h
const (
	// SSUnknownSQLState is ER_SIGNAL_EXCEPTION in
	// include/mysql/sql_state.h, but:
	// const char *unknown_sqlstate= "HY000"
	// in client.c. So using that one.
	SSUnknownSQLState = "HY000"

	// SSNetError is network related error
	SSNetError = "08S01"

	// SSLockDeadlock is ER_LOCK_DEADLOCK
	SSLockDeadlock = "40001"

	// SSDupKey is ER_DUP_KEY
	SSDupKey = "23000"

	// SSQueryInterrupted is ER_QUERY_INTERRUPTED;
	SSQueryInterrupted = "70100"
)
