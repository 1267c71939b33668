// Package repository implements the domain store interfaces on SQLite.
package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"duck-analytics/internal/domain"
)

// utc normalizes timestamps so their stored text form orders correctly.
func utc(t time.Time) time.Time { return t.UTC() }

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

func isConflict(err error) bool {
	var conflict *domain.ConflictError
	return errors.As(err, &conflict)
}

func isNotFound(err error) bool {
	var notFound *domain.NotFoundError
	return errors.As(err, &notFound)
}
