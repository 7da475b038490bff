package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteDSN adds the busy timeout and foreign key options the mattn driver
// understands, unless the caller already passed query parameters.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

func applyPragmas(db *sql.DB, logger *slog.Logger) error {
	// enable write-ahead logging so readers are not blocked by the batch writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		if logger != nil {
			logger.Warn("failed to set WAL mode", "error", err)
		}
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("failed to set synchronous pragma: %w", err)
	}
	return nil
}
