// Package storage is the persistence boundary: a small structured-table
// layer over SQLite or Postgres plus typed repositories for each component.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Dialect selects placeholder and DDL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Backend executes statements against one database.
type Backend interface {
	Dialect() Dialect
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Close() error
}

// Filter is a set of equality conditions joined with AND. A nil value
// matches NULL and a []string value becomes an IN list.
type Filter map[string]any

// SelectOptions shapes a Select.
type SelectOptions struct {
	Columns []string
	OrderBy string
	Desc    bool
	Limit   int
}

// Table is a generic insert/update/select view of one table.
type Table struct {
	db   Backend
	name string
	keys []string
}

// NewTable binds name on db. keys are the conflict columns used by Upsert.
func NewTable(db Backend, name string, keys ...string) *Table {
	return &Table{db: db, name: name, keys: keys}
}

func (t *Table) Name() string { return t.name }

func (t *Table) exec(ctx context.Context, query string, args []any) (int64, error) {
	log.Debug().Str("table", t.name).Str("sql", FormatSQLForLog(query, args...)).Msg("storage: exec")
	n, err := t.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "storage: %s", t.name)
	}
	return n, nil
}

// Insert appends row.
func (t *Table) Insert(ctx context.Context, row Row) error {
	query, args, err := buildInsert(t.db.Dialect(), t.name, row)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, query, args)
	return err
}

// Upsert inserts row or overwrites the non-key columns of the row sharing its keys.
func (t *Table) Upsert(ctx context.Context, row Row) error {
	query, args, err := buildUpsert(t.db.Dialect(), t.name, t.keys, row)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, query, args)
	return err
}

// Update sets columns on every row matching filter and returns the affected count.
func (t *Table) Update(ctx context.Context, filter Filter, set Row) (int64, error) {
	query, args, err := buildUpdate(t.db.Dialect(), t.name, filter, set)
	if err != nil {
		return 0, err
	}
	return t.exec(ctx, query, args)
}

// Select returns rows matching filter.
func (t *Table) Select(ctx context.Context, filter Filter, opts SelectOptions) ([]Row, error) {
	query, args := buildSelect(t.db.Dialect(), t.name, filter, opts)
	log.Debug().Str("table", t.name).Str("sql", FormatSQLForLog(query, args...)).Msg("storage: select")
	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: select %s", t.name)
	}
	return rows, nil
}

// SelectOne returns the first matching row or nil.
func (t *Table) SelectOne(ctx context.Context, filter Filter) (Row, error) {
	rows, err := t.Select(ctx, filter, SelectOptions{Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func buildInsert(d Dialect, table string, row Row) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, errors.Errorf("storage: empty insert into %s", table)
	}
	cols := sortedColumns(row)
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = d.placeholder(i + 1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	return query, args, nil
}

func buildUpsert(d Dialect, table string, keys []string, row Row) (string, []any, error) {
	if len(keys) == 0 {
		return "", nil, errors.Errorf("storage: upsert into %s without conflict keys", table)
	}
	isKey := map[string]bool{}
	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		if _, ok := row[k]; !ok {
			return "", nil, errors.Errorf("storage: upsert into %s missing key %s", table, k)
		}
		isKey[k] = true
		quotedKeys[i] = quoteIdent(k)
	}
	insert, args, err := buildInsert(d, table, row)
	if err != nil {
		return "", nil, err
	}
	var sets []string
	for _, c := range sortedColumns(row) {
		if isKey[c] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s=excluded.%s", quoteIdent(c), quoteIdent(c)))
	}
	if len(sets) == 0 {
		return insert + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", ")), args, nil
	}
	return insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(quotedKeys, ", "), strings.Join(sets, ", ")), args, nil
}

func buildUpdate(d Dialect, table string, filter Filter, set Row) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, errors.Errorf("storage: empty update of %s", table)
	}
	cols := sortedColumns(set)
	assigns := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, c := range cols {
		args = append(args, set[c])
		assigns[i] = fmt.Sprintf("%s=%s", quoteIdent(c), d.placeholder(len(args)))
	}
	where, args := buildWhere(d, filter, args)
	return fmt.Sprintf("UPDATE %s SET %s%s", quoteIdent(table), strings.Join(assigns, ", "), where), args, nil
}

func buildSelect(d Dialect, table string, filter Filter, opts SelectOptions) (string, []any) {
	cols := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, len(opts.Columns))
		for i, c := range opts.Columns {
			quoted[i] = quoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	where, args := buildWhere(d, filter, nil)
	query := fmt.Sprintf("SELECT %s FROM %s%s", cols, quoteIdent(table), where)
	if opts.OrderBy != "" {
		query += " ORDER BY " + quoteIdent(opts.OrderBy)
		if opts.Desc {
			query += " DESC"
		}
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

// buildWhere appends filter conditions, numbering placeholders after args.
func buildWhere(d Dialect, filter Filter, args []any) (string, []any) {
	if len(filter) == 0 {
		return "", args
	}
	cols := make([]string, 0, len(filter))
	for c := range filter {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	conds := make([]string, 0, len(cols))
	for _, c := range cols {
		switch v := filter[c].(type) {
		case nil:
			conds = append(conds, quoteIdent(c)+" IS NULL")
		case []string:
			if len(v) == 0 {
				conds = append(conds, "1=0")
				continue
			}
			marks := make([]string, len(v))
			for i, s := range v {
				args = append(args, s)
				marks[i] = d.placeholder(len(args))
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", quoteIdent(c), strings.Join(marks, ", ")))
		default:
			args = append(args, v)
			conds = append(conds, fmt.Sprintf("%s=%s", quoteIdent(c), d.placeholder(len(args))))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func quoteIdent(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	escaped := strings.ReplaceAll(trimmed, "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
