/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"context"
	"errors"
	"io"

	"github.com/lib/pq"
)

// Kind classifies a failure into one of the dispositions a failure can have.
type Kind int

const (
	KindUnknown Kind = iota
	KindParseError
	KindUniqueViolation
	KindSerializationFailure
	KindLockTimeout
	KindConnectionLost
	KindAuthFailure
	KindUidExhaustion
	KindDisaster
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "ParseError"
	case KindUniqueViolation:
		return "UniqueViolation"
	case KindSerializationFailure:
		return "SerializationFailure"
	case KindLockTimeout:
		return "LockTimeout"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindAuthFailure:
		return "AuthFailure"
	case KindUidExhaustion:
		return "UidExhaustion"
	case KindDisaster:
		return "Disaster"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether the caller may usefully retry the operation
// that produced an error of this kind (SerializationFailure and
// LockTimeout are retryable, the rest are not).
func (k Kind) Recoverable() bool {
	return k == KindSerializationFailure || k == KindLockTimeout
}

// Classified wraps an error with a classification Kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Postgres error codes relevant to classification. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	codeUniqueViolation       = "23505"
	codeSerializationFailure  = "40001"
	codeDeadlockDetected      = "40P01"
	codeLockNotAvailable      = "55P03"
	codeQueryCanceled         = "57014"
	codeAdminShutdown         = "57P01"
	codeCrashShutdown         = "57P02"
	codeCannotConnectNow      = "57P03"
	codeConnectionException   = "08000"
	codeConnectionDoesNotExst = "08003"
	codeConnectionFailure     = "08006"
)

// Classify inspects err (following its Unwrap chain) and determines which
// disposition applies. An error not recognized as any of the specific
// kinds classifies as KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnectionLost
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnectionLost
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return KindUniqueViolation
		case codeSerializationFailure, codeDeadlockDetected:
			return KindSerializationFailure
		case codeLockNotAvailable, codeQueryCanceled:
			return KindLockTimeout
		case codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow,
			codeConnectionException, codeConnectionDoesNotExst, codeConnectionFailure:
			return KindConnectionLost
		}
		if pqErr.Code.Class() == "08" {
			return KindConnectionLost
		}
	}

	var cl *Classified
	if errors.As(err, &cl) {
		return cl.Kind
	}

	return KindUnknown
}

// WithKind attaches an explicit classification to err, for cases (parse
// errors, UID exhaustion) that don't arise from a database driver error
// and so can't be recovered by Classify's code inspection alone.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}
