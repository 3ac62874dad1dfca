package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/srsengine/internal/errs"
)

// notFound maps sql.ErrNoRows to errs.ErrNotFound and wraps everything else
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// utc normalizes times before they are written so text-backed SQLite comparisons stay ordered
func utc(t time.Time) time.Time {
	return t.UTC()
}

func isNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}
