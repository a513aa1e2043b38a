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

// Package sqlerror models MySQL server and client errors and decides
// which of them are worth retrying.
package sqlerror

import (
	"bytes"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"parapply.io/parapply/go/vt/vterrors"
)

// SQLError is the error structure returned from calling a db library function
type SQLError struct {
	Num     int
	State   string
	Message string
	Query   string
}

// NewSQLError creates a new SQLError.
// If sqlState is left empty, it will default to "HY000" (general error).
func NewSQLError(number int, sqlState string, format string, args ...any) *SQLError {
	if sqlState == "" {
		sqlState = SSUnknownSQLState
	}
	return &SQLError{
		Num:     number,
		State:   sqlState,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (se *SQLError) Error() string {
	buf := &bytes.Buffer{}
	buf.WriteString(se.Message)

	// Add MySQL errno and SQLSTATE in a format that we can later parse.
	// See NewSQLErrorFromError.
	fmt.Fprintf(buf, " (errno %v) (sqlstate %v)", se.Num, se.State)

	if se.Query != "" {
		fmt.Fprintf(buf, " during query: %s", truncateForLog(se.Query))
	}

	return buf.String()
}

// Number returns the internal MySQL error code.
func (se *SQLError) Number() int {
	return se.Num
}

// SQLState returns the SQLSTATE value.
func (se *SQLError) SQLState() string {
	return se.State
}

var errExtract = regexp.MustCompile(`.*\(errno ([0-9]*)\) \(sqlstate ([0-9a-zA-Z]{5})\).*`)

// NewSQLErrorFromError returns a *SQLError from the provided error.
// Errors from the MySQL driver are converted directly. Anything else is
// parsed out of the message, and failing that mapped from its vterrors code.
func NewSQLErrorFromError(err error) error {
	if err == nil {
		return nil
	}

	var serr *SQLError
	if errors.As(err, &serr) {
		return serr
	}

	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		state := string(merr.SQLState[:])
		if merr.SQLState == [5]byte{} {
			state = SSUnknownSQLState
		}
		return &SQLError{
			Num:     int(merr.Number),
			State:   state,
			Message: merr.Message,
		}
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return &SQLError{
			Num:     CRServerLost,
			State:   SSNetError,
			Message: err.Error(),
		}
	}

	msg := err.Error()
	match := errExtract.FindStringSubmatch(msg)
	if len(match) < 2 {
		// Map vitess error codes into the mysql equivalent
		num := ERUnknownError
		ss := SSUnknownSQLState
		switch vterrors.Code(err) {
		case vterrors.Canceled, vterrors.DeadlineExceeded, vterrors.Aborted:
			num = ERQueryInterrupted
			ss = SSQueryInterrupted
		case vterrors.PermissionDenied:
			num = ERAccessDeniedError
		case vterrors.ResourceExhausted:
			num = ERTooManyUserConnections
		case vterrors.Unimplemented:
			num = ERNotSupportedYet
		case vterrors.Internal:
			num = ERInternalError
		}
		return &SQLError{
			Num:     num,
			State:   ss,
			Message: msg,
		}
	}

	num, err := strconv.Atoi(match[1])
	if err != nil {
		return &SQLError{
			Num:     ERUnknownError,
			State:   SSUnknownSQLState,
			Message: msg,
		}
	}

	return &SQLError{
		Num:     num,
		State:   match[2],
		Message: msg,
	}
}

const truncateLen = 512

func truncateForLog(query string) string {
	if len(query) <= truncateLen {
		return query
	}
	return query[:truncateLen-12] + " [TRUNCATED]"
}
