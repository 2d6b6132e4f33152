// Package oracle reads ordered, cursor-filtered pages of rows from the
// source database and normalizes them into portable scalar values.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidIdentifier is returned when a table or column name fails
// validation before query construction.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Identifiers must start with a letter, continue with alphanumerics,
// underscore or dollar, and fit Oracle's 30-character limit. Anything else
// is rejected before it can reach SQL text; values are only ever bound.
var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_$]*$`)

const maxIdentifierLength = 30

// ValidateIdentifier checks that name is safe to interpolate into a query
// as a table, column or order-by identifier.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidIdentifier, name, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// Column describes one column of the source table.
type Column struct {
	Name     string `db:"COLUMN_NAME"`
	DataType string `db:"DATA_TYPE"`
}

// Options control how row values are normalized.
type Options struct {
	// ConvertToFixedTimezone interprets zone-less temporal values in the
	// configured fixed zone and emits them as millisecond epoch integers.
	// When false, temporal values are emitted as RFC3339 strings.
	ConvertToFixedTimezone bool
	// TimezoneOffsetHours is the fixed UTC offset applied to zone-less
	// temporal values. Defaults to +8 when unset.
	TimezoneOffsetHours int
}

// Row is a single source record keyed by column name, holding only portable
// scalars (string, number, bool, millisecond epoch int64, or nil).
type Row map[string]any

// Reader pulls batches from a single source table.
type Reader struct {
	db  *sqlx.DB
	loc *time.Location
	// emit temporal values as epoch milliseconds in loc
	convertTZ bool
}

// NewReader wraps an open database handle.
func NewReader(db *sqlx.DB, opts Options) *Reader {
	var offset = opts.TimezoneOffsetHours
	if offset == 0 {
		offset = 8
	}
	return &Reader{
		db:        db,
		loc:       time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600),
		convertTZ: opts.ConvertToFixedTimezone,
	}
}

// Close releases the underlying database connection.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	log.Info("disconnected from database")
	return r.db.Close()
}

// Columns introspects the source table's column names and declared types,
// in column order.
func (r *Reader) Columns(ctx context.Context, tableName string) ([]Column, error) {
	if err := ValidateIdentifier(tableName); err != nil {
		return nil, err
	}

	var query = `SELECT column_name, data_type FROM user_tab_columns WHERE table_name = UPPER(:1) ORDER BY column_id`
	rows, err := r.db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("error introspecting table %q: %w", tableName, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, fmt.Errorf("error scanning column metadata: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading column metadata: %w", err)
	}
	log.WithFields(log.Fields{"table": tableName, "columns": len(columns)}).Info("introspected table schema")
	return columns, nil
}

// Count returns the number of rows in the table, restricted to rows past the
// cursor value when cursorColumn is non-empty.
func (r *Reader) Count(ctx context.Context, tableName, cursorColumn string, cursorValue any) (int, error) {
	if err := ValidateIdentifier(tableName); err != nil {
		return 0, err
	}

	var query = fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName)
	var args []any
	if cursorColumn != "" {
		if err := ValidateIdentifier(cursorColumn); err != nil {
			return 0, err
		}
		query += fmt.Sprintf(" WHERE %s > :1", cursorColumn)
		args = append(args, cursorValue)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting rows of %q: %w", tableName, err)
	}
	return count, nil
}

// PageRequest describes one ordered page of the source table.
type PageRequest struct {
	Table    string
	Columns  []string
	PageSize int
	// Offset skips that many matching rows. It paginates within a single
	// run; resumption across runs is cursor-based, never offset-based.
	Offset       int
	CursorColumn string // optional; "" disables the cursor predicate
	CursorValue  any
	OrderBy      string
}

// buildPageQuery renders the classic ROWNUM pagination wrapper around the
// ordered, cursor-filtered select. Identifiers are validated before
// interpolation and the cursor value is returned as a bind argument.
func buildPageQuery(req PageRequest) (string, []any, error) {
	if err := ValidateIdentifier(req.Table); err != nil {
		return "", nil, err
	}
	for _, col := range req.Columns {
		if err := ValidateIdentifier(col); err != nil {
			return "", nil, err
		}
	}
	if err := ValidateIdentifier(req.OrderBy); err != nil {
		return "", nil, err
	}

	var inner = new(strings.Builder)
	fmt.Fprintf(inner, "SELECT %s FROM %s", strings.Join(req.Columns, ", "), req.Table)

	var args []any
	if req.CursorColumn != "" {
		if err := ValidateIdentifier(req.CursorColumn); err != nil {
			return "", nil, err
		}
		args = append(args, req.CursorValue)
		fmt.Fprintf(inner, " WHERE %s > :%d", req.CursorColumn, len(args))
	}
	fmt.Fprintf(inner, " ORDER BY %s", req.OrderBy)

	args = append(args, req.Offset+req.PageSize)
	var hi = len(args)
	args = append(args, req.Offset)
	var lo = len(args)

	var query = fmt.Sprintf(
		"SELECT * FROM (SELECT a.*, ROWNUM rnum FROM (%s) a WHERE ROWNUM <= :%d) WHERE rnum > :%d",
		inner.String(), hi, lo)
	return query, args, nil
}

// ReadPage reads up to PageSize rows ordered ascending by OrderBy, starting
// after Offset matching rows. Values are normalized to portable scalars.
func (r *Reader) ReadPage(ctx context.Context, req PageRequest) ([]Row, error) {
	query, args, err := buildPageQuery(req)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"table":  req.Table,
		"offset": req.Offset,
		"size":   req.PageSize,
	}).Debug("reading page")

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error executing page query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var raw = make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("error scanning result row: %w", err)
		}
		var record = make(Row, len(req.Columns))
		for _, col := range req.Columns {
			var name = strings.ToUpper(col)
			record[name] = r.normalizeValue(raw[name])
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error processing results iterator: %w", err)
	}

	log.WithFields(log.Fields{"table": req.Table, "offset": req.Offset, "rows": len(out)}).Info("read page")
	return out, nil
}

// MaxValue returns the maximum value of a column, useful for inspecting how
// far a cursor column extends.
func (r *Reader) MaxValue(ctx context.Context, tableName, columnName string) (any, error) {
	if err := ValidateIdentifier(tableName); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier(columnName); err != nil {
		return nil, err
	}

	var max any
	var query = fmt.Sprintf("SELECT MAX(%s) FROM %s", columnName, tableName)
	if err := r.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return nil, fmt.Errorf("error querying max %q of %q: %w", columnName, tableName, err)
	}
	return r.normalizeValue(max), nil
}

// normalizeValue maps driver-specific value representations onto portable
// scalars: large objects are materialized to strings and temporal values
// become millisecond epoch integers (or RFC3339 strings when fixed-timezone
// conversion is disabled).
func (r *Reader) normalizeValue(val any) any {
	switch v := val.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return r.normalizeTime(v)
	}
	return val
}

// normalizeTime converts a temporal value for the destination. Zone-less
// values coming from the driver carry a placeholder zone, so the wall-clock
// reading is reinterpreted in the configured fixed zone before epoch
// conversion. Out-of-range values become nil rather than an error.
func (r *Reader) normalizeTime(t time.Time) any {
	if t.Year() < 1 || t.Year() > 9999 {
		log.WithField("value", t).Warn("temporal value out of range, emitting null")
		return nil
	}
	if !r.convertTZ {
		return t.Format(time.RFC3339)
	}
	var fixed = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), r.loc)
	return fixed.UnixMilli()
}

// temporalType reports whether an Oracle declared type holds dates or
// timestamps, covering precision suffixes like TIMESTAMP(6) and the WITH
// [LOCAL] TIME ZONE variants.
func temporalType(dataType string) bool {
	var dt = strings.ToUpper(strings.TrimSpace(dataType))
	return dt == "DATE" || strings.HasPrefix(dt, "TIMESTAMP")
}

// PrepareCursorValue converts a checkpoint cursor value into the source's
// native representation before it is bound as a query parameter. A numeric
// epoch-millisecond value destined for a temporal column becomes a UTC
// time.Time; everything else passes through unchanged.
func PrepareCursorValue(columnType string, value any) any {
	if value == nil || !temporalType(columnType) {
		return value
	}
	var ms int64
	switch v := value.(type) {
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case float64:
		ms = int64(v)
	default:
		return value
	}
	return time.UnixMilli(ms).UTC()
}
