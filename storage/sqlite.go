// Package storage persists point values in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fwaytoday/iot-dc3/metadata"
	"github.com/fwaytoday/iot-dc3/pointvalue"
)

const schema = `
CREATE TABLE IF NOT EXISTS point_values (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT    NOT NULL,
	point_id    TEXT,
	multi       INTEGER NOT NULL DEFAULT 0,
	raw_value   TEXT    NOT NULL DEFAULT '',
	value       TEXT    NOT NULL DEFAULT '',
	type        TEXT    NOT NULL DEFAULT '',
	origin_time INTEGER NOT NULL,
	create_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_point_values_device_time ON point_values(device_id, origin_time DESC);
CREATE INDEX IF NOT EXISTS idx_point_values_point_time ON point_values(point_id, origin_time DESC);
CREATE INDEX IF NOT EXISTS idx_point_values_time ON point_values(origin_time DESC);
CREATE TABLE IF NOT EXISTS point_value_children (
	parent_id   INTEGER NOT NULL REFERENCES point_values(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	point_id    TEXT    NOT NULL,
	raw_value   TEXT    NOT NULL DEFAULT '',
	value       TEXT    NOT NULL DEFAULT '',
	type        TEXT    NOT NULL DEFAULT '',
	origin_time INTEGER NOT NULL,
	PRIMARY KEY (parent_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_point_value_children_point ON point_value_children(point_id, parent_id);
`

// SQLite is the durable point value store.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: apply pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertBatch writes all values in one transaction.
func (s *SQLite) InsertBatch(ctx context.Context, values []pointvalue.PointValue) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	parent, err := tx.PrepareContext(ctx, `INSERT INTO point_values
		(device_id, point_id, multi, raw_value, value, type, origin_time, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare insert: %w", err)
	}
	defer parent.Close()
	child, err := tx.PrepareContext(ctx, `INSERT INTO point_value_children
		(parent_id, seq, point_id, raw_value, value, type, origin_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare child insert: %w", err)
	}
	defer child.Close()

	for _, v := range values {
		res, err := parent.ExecContext(ctx, v.DeviceID, nullString(v.PointID), v.Multi,
			v.RawValue, v.Value, string(v.Type), v.OriginTime.UnixNano(), v.CreateTime.UnixNano())
		if err != nil {
			return fmt.Errorf("storage: insert %s/%s: %w", v.DeviceID, v.PointID, err)
		}
		if len(v.Children) == 0 {
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("storage: last insert id: %w", err)
		}
		for i, c := range v.Children {
			origin := c.OriginTime
			if origin.IsZero() {
				origin = v.OriginTime
			}
			if _, err := child.ExecContext(ctx, id, i, c.PointID, c.RawValue, c.Value, string(c.Type), origin.UnixNano()); err != nil {
				return fmt.Errorf("storage: insert child %s/%s: %w", v.DeviceID, c.PointID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

const childMatch = `EXISTS (SELECT 1 FROM point_value_children c WHERE c.parent_id = point_values.id AND c.point_id = ?)`

func where(c pointvalue.Criteria) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if c.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, c.DeviceID)
	}
	if c.MultiOnly {
		clauses = append(clauses, "multi = 1")
	}
	if c.PointID != "" {
		clauses = append(clauses, "point_id = ?")
		args = append(args, c.PointID)
	}
	if c.ChildPointID != "" {
		clauses = append(clauses, childMatch)
		args = append(args, c.ChildPointID)
	}
	if c.AnyPointID != "" {
		clauses = append(clauses, "(point_id = ? OR "+childMatch+")")
		args = append(args, c.AnyPointID, c.AnyPointID)
	}
	if !c.Start.IsZero() && !c.End.IsZero() {
		clauses = append(clauses, "origin_time BETWEEN ? AND ?")
		args = append(args, c.Start.UnixNano(), c.End.UnixNano())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns the matching values newest first, paged by Offset and Limit,
// together with the unpaged match count.
func (s *SQLite) Query(ctx context.Context, c pointvalue.Criteria) ([]pointvalue.PointValue, int64, error) {
	cond, args := where(c)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM point_values"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count: %w", err)
	}
	if total == 0 {
		return []pointvalue.PointValue{}, 0, nil
	}
	values, err := s.selectValues(ctx, cond, args, c.Offset, c.Limit)
	if err != nil {
		return nil, 0, err
	}
	return values, total, nil
}

// Latest returns the newest matching value or pointvalue.ErrNoRecord.
func (s *SQLite) Latest(ctx context.Context, c pointvalue.Criteria) (pointvalue.PointValue, error) {
	cond, args := where(c)
	values, err := s.selectValues(ctx, cond, args, 0, 1)
	if err != nil {
		return pointvalue.PointValue{}, err
	}
	if len(values) == 0 {
		return pointvalue.PointValue{}, pointvalue.ErrNoRecord
	}
	return values[0], nil
}

func (s *SQLite) selectValues(ctx context.Context, cond string, args []any, offset, limit int64) ([]pointvalue.PointValue, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, device_id, point_id, multi, raw_value, value, type, origin_time, create_time
		FROM point_values` + cond + ` ORDER BY origin_time DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()

	var (
		values  []pointvalue.PointValue
		rowIDs  []int64
		parents = map[int64]int{}
	)
	for rows.Next() {
		var (
			id              int64
			pointID         sql.NullString
			multi           bool
			typ             string
			origin, created int64
			v               pointvalue.PointValue
		)
		if err := rows.Scan(&id, &v.DeviceID, &pointID, &multi, &v.RawValue, &v.Value, &typ, &origin, &created); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		v.PointID = pointID.String
		v.Multi = multi
		v.Type = metadata.ValueType(typ)
		v.OriginTime = time.Unix(0, origin)
		v.CreateTime = time.Unix(0, created)
		if multi {
			parents[id] = len(values)
			rowIDs = append(rowIDs, id)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: rows: %w", err)
	}
	if len(rowIDs) == 0 {
		return values, nil
	}
	if err := s.loadChildren(ctx, rowIDs, func(parentID int64, child pointvalue.PointValue) {
		idx := parents[parentID]
		child.DeviceID = values[idx].DeviceID
		child.CreateTime = values[idx].CreateTime
		values[idx].Children = append(values[idx].Children, child)
	}); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *SQLite) loadChildren(ctx context.Context, parentIDs []int64, add func(int64, pointvalue.PointValue)) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(parentIDs)), ",")
	args := make([]any, len(parentIDs))
	for i, id := range parentIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT parent_id, point_id, raw_value, value, type, origin_time
		FROM point_value_children WHERE parent_id IN (`+placeholders+`) ORDER BY parent_id, seq`, args...)
	if err != nil {
		return fmt.Errorf("storage: query children: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			parentID int64
			typ      string
			origin   int64
			c        pointvalue.PointValue
		)
		if err := rows.Scan(&parentID, &c.PointID, &c.RawValue, &c.Value, &typ, &origin); err != nil {
			return fmt.Errorf("storage: scan child: %w", err)
		}
		c.Type = metadata.ValueType(typ)
		c.OriginTime = time.Unix(0, origin)
		add(parentID, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: child rows: %w", err)
	}
	return nil
}

// Count returns the number of stored parent records.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM point_values").Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ pointvalue.Store = (*SQLite)(nil)
