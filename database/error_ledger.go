package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/datasetcurator/models"
)

// ErrRecordNotFound is returned by Get for an unknown id.
var ErrRecordNotFound = errors.New("error record not found")

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

var errorRecordColumns = []string{
	"id", "operation_type", "error_type", "message", "stack_trace",
	"file_path", "model_name", "retry_count", "created_at", "resolved_at",
}

// ErrorLedger is the durable store of failure records. Records are immutable
// except for resolved_at, which only moves from NULL to a timestamp.
type ErrorLedger struct {
	DB  Querier
	now func() time.Time
}

func NewErrorLedger(db Querier) *ErrorLedger {
	return &ErrorLedger{DB: db, now: time.Now}
}

// RecordOption sets an optional attribute on a new record.
type RecordOption func(*models.ErrorRecord)

func WithFilePath(path string) RecordOption {
	return func(r *models.ErrorRecord) {
		if path != "" {
			r.FilePath = &path
		}
	}
}

func WithModelName(name string) RecordOption {
	return func(r *models.ErrorRecord) {
		if name != "" {
			r.ModelName = &name
		}
	}
}

func WithStackTrace(trace string) RecordOption {
	return func(r *models.ErrorRecord) {
		if trace != "" {
			r.StackTrace = &trace
		}
	}
}

// ListFilter narrows List. A nil Resolved returns both resolved and unresolved
// records; an empty Operations returns every operation kind.
type ListFilter struct {
	Operations []models.OperationKind
	Resolved   *bool
	Limit      int
	Offset     int
	Sort       string
}

// Record appends a failure and returns its id.
func (l *ErrorLedger) Record(ctx context.Context, op models.OperationKind, kind models.ErrorKind, message string, opts ...RecordOption) (int64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("invalid operation kind '%s'", op)
	}
	if kind == "" {
		kind = models.ErrorKindUnknown
	}

	rec := models.ErrorRecord{
		OperationType: op,
		ErrorType:     kind,
		Message:       message,
		CreatedAt:     l.now().Unix(),
	}
	for _, opt := range opts {
		opt(&rec)
	}

	queryBuilder := psql.Insert("error_records").
		Columns("operation_type", "error_type", "message", "stack_trace", "file_path", "model_name", "retry_count", "created_at").
		Values(rec.OperationType, rec.ErrorType, rec.Message, rec.StackTrace, rec.FilePath, rec.ModelName, 0, rec.CreatedAt)

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for Record: %w", err)
	}

	result, err := l.DB.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert error record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read error record id: %w", err)
	}
	return id, nil
}

// Get returns a single record by id.
func (l *ErrorLedger) Get(ctx context.Context, id int64) (models.ErrorRecord, error) {
	sqlStr, args, err := psql.Select(errorRecordColumns...).
		From("error_records").
		Where(sq.Eq{"id": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return models.ErrorRecord{}, fmt.Errorf("failed to build SQL query for Get: %w", err)
	}

	rec, err := scanErrorRecord(l.DB.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrorRecord{}, ErrRecordNotFound
		}
		return models.ErrorRecord{}, fmt.Errorf("failed to query error record %d: %w", id, err)
	}
	return rec, nil
}

// CountUnresolved counts unresolved records, optionally for one operation kind.
func (l *ErrorLedger) CountUnresolved(ctx context.Context, op *models.OperationKind) (int64, error) {
	queryBuilder := psql.Select("COUNT(*)").
		From("error_records").
		Where(sq.Eq{"resolved_at": nil})
	if op != nil {
		queryBuilder = queryBuilder.Where(sq.Eq{"operation_type": *op})
	}

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for CountUnresolved: %w", err)
	}

	var count int64
	if err := l.DB.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unresolved error records: %w", err)
	}
	return count, nil
}

// CountUnresolvedByOperation returns unresolved counts for every operation kind,
// including kinds with zero records.
func (l *ErrorLedger) CountUnresolvedByOperation(ctx context.Context) (map[models.OperationKind]int64, error) {
	sqlStr, args, err := psql.Select("operation_type", "COUNT(*)").
		From("error_records").
		Where(sq.Eq{"resolved_at": nil}).
		GroupBy("operation_type").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for CountUnresolvedByOperation: %w", err)
	}

	rows, err := l.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count unresolved error records by operation: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OperationKind]int64, len(models.OperationKinds))
	for _, op := range models.OperationKinds {
		counts[op] = 0
	}
	for rows.Next() {
		var op models.OperationKind
		var count int64
		if err := rows.Scan(&op, &count); err != nil {
			return nil, fmt.Errorf("failed to scan operation count: %w", err)
		}
		counts[op] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation counts: %w", err)
	}
	return counts, nil
}

// List returns one page of records. Each call is a single SELECT, so a page is
// consistent even while other writers insert.
func (l *ErrorLedger) List(ctx context.Context, filter ListFilter) ([]models.ErrorRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	sortOrder := filter.Sort
	if !IsValidSortOrder(sortOrder) {
		sortOrder = DefaultSortOrder
	}

	queryBuilder := psql.Select(errorRecordColumns...).From("error_records")
	if len(filter.Operations) > 0 {
		queryBuilder = queryBuilder.Where(sq.Eq{"operation_type": filter.Operations})
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			queryBuilder = queryBuilder.Where(sq.NotEq{"resolved_at": nil})
		} else {
			queryBuilder = queryBuilder.Where(sq.Eq{"resolved_at": nil})
		}
	}
	queryBuilder = queryBuilder.
		OrderBy(orderByClauses(sortOrder)...).
		Limit(uint64(limit)).
		Offset(uint64(offset))

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for List: %w", err)
	}

	rows, err := l.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error records: %w", err)
	}
	defer rows.Close()

	records := []models.ErrorRecord{}
	for rows.Next() {
		rec, err := scanErrorRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error records: %w", err)
	}
	return records, nil
}

// MarkResolved stamps resolved_at. Resolving an unknown or already resolved
// id changes nothing and is not an error. Reports whether a row changed.
func (l *ErrorLedger) MarkResolved(ctx context.Context, id int64) (bool, error) {
	sqlStr, args, err := psql.Update("error_records").
		Set("resolved_at", l.now().Unix()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"resolved_at": nil}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build SQL query for MarkResolved: %w", err)
	}

	result, err := l.DB.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("failed to resolve error record %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// IncrementRetry bumps the retry counter of an unresolved record.
func (l *ErrorLedger) IncrementRetry(ctx context.Context, id int64) error {
	sqlStr, args, err := psql.Update("error_records").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"resolved_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for IncrementRetry: %w", err)
	}

	if _, err := l.DB.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to increment retry count for error record %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanErrorRecord(row rowScanner) (models.ErrorRecord, error) {
	var rec models.ErrorRecord
	err := row.Scan(
		&rec.ID, &rec.OperationType, &rec.ErrorType, &rec.Message, &rec.StackTrace,
		&rec.FilePath, &rec.ModelName, &rec.RetryCount, &rec.CreatedAt, &rec.ResolvedAt,
	)
	return rec, err
}
