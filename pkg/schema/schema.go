// Package schema derives the DDL and the insert statement of a target's table
// from its configuration. Identifiers are used verbatim: they come from the
// operator's configuration and are trusted. Row values are never part of the
// generated SQL, they are always bound as parameters.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-mq2db/pkg/types"
)

// ErrInvalidSchema is returned when a table definition cannot produce valid statements.
var ErrInvalidSchema = errors.New("invalid table schema")

// Dialect supplies the database specific parts of the generated SQL.
type Dialect interface {
	// Placeholder returns the bind marker of the n-th parameter, starting at 1.
	Placeholder(n int) string
	// AutoColumnType returns the SQL type of an auto-column.
	AutoColumnType(column string) string
}

// indexClauseDialect is implemented by dialects that cannot parse
// CREATE INDEX IF NOT EXISTS.
type indexClauseDialect interface {
	SupportsIndexIfNotExists() bool
}

// Column is a user column and its SQL type, e.g. {"rssi", "REAL"}.
type Column struct {
	Name string
	Type string
}

// Constraint is a named list of columns, used for unique constraints and indexes.
type Constraint struct {
	Name    string
	Columns []string
}

// TableSpec is the table definition of one target.
type TableSpec struct {
	Name    string
	Columns []Column

	AutoDatetime  bool
	AutoTimestamp bool
	AutoRaw       bool

	// PrimaryKey is used when PrimaryKeySet is true; an empty key then means
	// no primary key at all. When unset, the key defaults to _datetime_ if
	// that auto-column is enabled.
	PrimaryKey    []string
	PrimaryKeySet bool

	Unique  []Constraint
	Indexes []Constraint

	// InsertPrefix is placed between INSERT and INTO, e.g. "OR IGNORE".
	InsertPrefix string
	// InsertSuffix is appended after VALUES(...), e.g. "ON CONFLICT DO NOTHING".
	InsertSuffix string
}

// Statements are the precomputed SQL for one table.
type Statements struct {
	Table   string
	Indexes []string
	// Insert is the single-row form of InsertRows.
	Insert string

	// InsertColumns is the bind order of Insert.
	InsertColumns []string
	// UserColumns are the configured columns, in configuration order.
	UserColumns []string

	insertHead  string
	insertTail  string
	placeholder func(int) string
}

// InsertRows renders one INSERT with n value tuples. Parameters are numbered
// row by row, so the arguments of row i follow those of row i-1.
func (s *Statements) InsertRows(n int) string {
	width := len(s.InsertColumns)
	var b strings.Builder
	b.WriteString(s.insertHead)
	b.WriteString(" VALUES")
	for row := 0; row < n; row++ {
		if row > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for col := 0; col < width; col++ {
			if col > 0 {
				b.WriteString(",")
			}
			b.WriteString(s.placeholder(row*width + col + 1))
		}
		b.WriteString(")")
	}
	b.WriteString(s.insertTail)
	return b.String()
}

// AutoColumns returns the enabled auto-columns in their fixed order.
func (s TableSpec) AutoColumns() []string {
	var cols []string
	if s.AutoTimestamp {
		cols = append(cols, types.ColumnTimestamp)
	}
	if s.AutoDatetime {
		cols = append(cols, types.ColumnDatetime)
	}
	if s.AutoRaw {
		cols = append(cols, types.ColumnRaw)
	}
	return cols
}

// EffectivePrimaryKey resolves the configured or default primary key.
func (s TableSpec) EffectivePrimaryKey() []string {
	if s.PrimaryKeySet {
		return s.PrimaryKey
	}
	if s.AutoDatetime {
		return []string{types.ColumnDatetime}
	}
	return nil
}

// UsesDefaultPrimaryKey reports whether the key is the implicit _datetime_
// one. Every row of a message carries the same receive time, so a message
// decoding to several rows violates that key unless the insert is told to
// ignore conflicts.
func (s TableSpec) UsesDefaultPrimaryKey() bool {
	return !s.PrimaryKeySet && s.AutoDatetime
}

// Build validates spec and renders its statements.
func Build(spec TableSpec, dialect Dialect) (*Statements, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}

	userColumns := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		userColumns[i] = c.Name
	}
	insertColumns := append(append([]string{}, userColumns...), spec.AutoColumns()...)

	head, tail := insertClauses(spec, insertColumns)
	stmts := &Statements{
		Table:         createTable(spec, dialect),
		Indexes:       createIndexes(spec, dialect),
		InsertColumns: insertColumns,
		UserColumns:   userColumns,
		insertHead:    head,
		insertTail:    tail,
		placeholder:   dialect.Placeholder,
	}
	stmts.Insert = stmts.InsertRows(1)
	return stmts, nil
}

func createTable(spec TableSpec, dialect Dialect) string {
	var defs []string
	autoDef := func(col string) string {
		return fmt.Sprintf("  %s %s NOT NULL", col, dialect.AutoColumnType(col))
	}
	if spec.AutoTimestamp {
		defs = append(defs, autoDef(types.ColumnTimestamp))
	}
	if spec.AutoDatetime {
		defs = append(defs, autoDef(types.ColumnDatetime))
	}
	for _, c := range spec.Columns {
		defs = append(defs, fmt.Sprintf("  %s %s", c.Name, c.Type))
	}
	if spec.AutoRaw {
		defs = append(defs, autoDef(types.ColumnRaw))
	}
	if pk := spec.EffectivePrimaryKey(); len(pk) > 0 {
		defs = append(defs, fmt.Sprintf("  PRIMARY KEY(%s)", strings.Join(pk, ",")))
	}
	for _, u := range spec.Unique {
		defs = append(defs, fmt.Sprintf("  CONSTRAINT %s UNIQUE(%s)", u.Name, strings.Join(u.Columns, ",")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", spec.Name, strings.Join(defs, ",\n"))
}

func createIndexes(spec TableSpec, dialect Dialect) []string {
	clause := "IF NOT EXISTS "
	if d, ok := dialect.(indexClauseDialect); ok && !d.SupportsIndexIfNotExists() {
		clause = ""
	}
	indexes := append([]Constraint{}, spec.Indexes...)
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
	stmts := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s%s ON %s(%s)",
			clause, idx.Name, spec.Name, strings.Join(idx.Columns, ",")))
	}
	return stmts
}

// insertClauses returns the text before and after the VALUES list.
func insertClauses(spec TableSpec, columns []string) (head, tail string) {
	var b strings.Builder
	b.WriteString("INSERT ")
	if p := strings.TrimSpace(spec.InsertPrefix); p != "" {
		b.WriteString(p)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "INTO %s(%s)", spec.Name, strings.Join(columns, ", "))
	if s := strings.TrimSpace(spec.InsertSuffix); s != "" {
		tail = " " + s
	}
	return b.String(), tail
}

func validate(spec TableSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidSchema)
	}
	known := make(map[string]bool)
	for _, c := range spec.Columns {
		if c.Name == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("%w: column %q needs a name and a type", ErrInvalidSchema, c.Name)
		}
		if c.Name == types.ColumnDatetime || c.Name == types.ColumnTimestamp || c.Name == types.ColumnRaw {
			return fmt.Errorf("%w: column %q is reserved for the auto-column flag", ErrInvalidSchema, c.Name)
		}
		if known[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		known[c.Name] = true
	}
	for _, c := range spec.AutoColumns() {
		known[c] = true
	}
	if len(known) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalidSchema, spec.Name)
	}

	checkColumns := func(what string, cols []string) error {
		if len(cols) == 0 {
			return fmt.Errorf("%w: %s has no columns", ErrInvalidSchema, what)
		}
		for _, c := range cols {
			if !known[c] {
				return fmt.Errorf("%w: %s references unknown column %q", ErrInvalidSchema, what, c)
			}
		}
		return nil
	}
	if pk := spec.EffectivePrimaryKey(); len(pk) > 0 {
		if err := checkColumns("primary key", pk); err != nil {
			return err
		}
	}
	names := make(map[string]bool)
	for _, u := range spec.Unique {
		if err := checkColumns("unique constraint "+u.Name, u.Columns); err != nil {
			return err
		}
		if u.Name == "" || names[u.Name] {
			return fmt.Errorf("%w: unique constraint name %q is empty or duplicated", ErrInvalidSchema, u.Name)
		}
		names[u.Name] = true
	}
	for _, idx := range spec.Indexes {
		if err := checkColumns("index "+idx.Name, idx.Columns); err != nil {
			return err
		}
		if idx.Name == "" || names[idx.Name] {
			return fmt.Errorf("%w: index name %q is empty or duplicated", ErrInvalidSchema, idx.Name)
		}
		names[idx.Name] = true
	}
	return nil
}
