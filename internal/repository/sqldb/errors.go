package sqldb

// UNIQUENESS ERRORS:
// The database is the authority on uniqueness. Checking "is this email
// free?" and then inserting leaves a gap in which a concurrent request can
// take it; the UNIQUE constraint closes that gap. This file turns the
// driver's constraint error into apperror.Conflict so callers can show
// "This username is already taken" without knowing which driver ran:
//
//	sqlite:   "UNIQUE constraint failed: users.email"   → Conflict("email")
//	postgres: SQLSTATE 23505, constraint users_email_key → Conflict("email")

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/gatekeeper/internal/apperror"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// conflictMessages are the user-facing messages for each unique key.
var conflictMessages = map[string]string{
	"email":         "An account with this email already exists",
	"username":      "This username is already taken",
	"oauth_account": "This account is already linked",
	"session":       "Session already exists",
}

// translateError converts a driver uniqueness violation into
// apperror.Conflict. Every other error is returned unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	field, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	msg, known := conflictMessages[field]
	if !known {
		msg = "Record already exists"
	}
	return apperror.Conflict(field, msg)
}

// uniqueViolation reports whether err is a unique/primary key violation and,
// if so, which logical field it hit.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if string(pqErr.Code) != pgUniqueViolation {
			return "", false
		}
		return fieldFor(pqErr.Constraint + " " + pqErr.Message), true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			// "UNIQUE constraint failed: users.email"
			return fieldFor(liteErr.Error()), true
		}
	}
	return "", false
}

// fieldFor maps a constraint or column name from the driver's message to the
// logical field reported to users.
func fieldFor(detail string) string {
	switch {
	case strings.Contains(detail, "users.email"), strings.Contains(detail, "users_email"):
		return "email"
	case strings.Contains(detail, "users.username"), strings.Contains(detail, "users_username"):
		return "username"
	case strings.Contains(detail, "oauth_accounts"):
		return "oauth_account"
	case strings.Contains(detail, "sessions"):
		return "session"
	default:
		return ""
	}
}
