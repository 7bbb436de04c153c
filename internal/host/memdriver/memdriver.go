// Package memdriver is an in-memory database backend. It exists so the host
// binary has a driver that works out of the box, and so integration tests can
// exercise the full request catalog without a real database.
package memdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dbflux/driverkit/internal/host"
	"github.com/dbflux/driverkit/internal/protocol"
)

const defaultDatabase = "memory"

// Driver serves a small fixed relational dataset plus a mutable key-value
// space. Every optional host extension is implemented.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Identity() host.Identity {
	return host.Identity{
		Name:    "memdriver",
		Version: "1.0.0",
		Kind:    protocol.KindExternal,
		Metadata: protocol.DriverMetadata{
			ID:            "memory",
			DisplayName:   "In-Memory",
			Description:   "Volatile in-memory store for development and testing",
			Category:      protocol.CategoryRelational,
			QueryLanguage: "sql",
			Capabilities:  protocol.MetaMultipleDatabases | protocol.MetaGeneratedCode,
		},
		Form: protocol.FormDefinition{
			Tabs: []protocol.FormTab{{
				ID:    "general",
				Label: "General",
				Sections: []protocol.FormSection{{
					Title: "Connection",
					Fields: []protocol.FormField{{
						ID:           "database",
						Label:        "Database",
						Kind:         protocol.FieldText,
						DefaultValue: defaultDatabase,
					}},
				}},
			}},
		},
	}
}

type profile struct {
	Kind   protocol.DriverKind `json:"kind"`
	Values map[string]string   `json:"values"`
}

// Open validates the profile blob and builds a session. A profile value of
// fail=true forces a driver error, which tests use to verify error
// propagation.
func (d *Driver) Open(_ context.Context, profileJSON string) (host.Session, error) {
	var p profile
	if err := json.Unmarshal([]byte(profileJSON), &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "malformed profile: %v", err)
	}
	if p.Values["fail"] == "true" {
		return nil, fmt.Errorf("memdriver: connection refused by profile")
	}
	return newSession(), nil
}

// Minimal is a backend whose sessions implement only the mandatory surface,
// so every extension request is answered as a capability gap.
type Minimal struct{}

func NewMinimal() *Minimal { return &Minimal{} }

func (m *Minimal) Identity() host.Identity {
	id := New().Identity()
	id.Name = "memdriver-minimal"
	id.Metadata.Capabilities = 0
	return id
}

func (m *Minimal) Open(ctx context.Context, profileJSON string) (host.Session, error) {
	sess, err := New().Open(ctx, profileJSON)
	if err != nil {
		return nil, err
	}
	return &minimalSession{full: sess.(*session)}, nil
}

type minimalSession struct {
	full *session
}

func (m *minimalSession) Execute(ctx context.Context, q protocol.QueryRequest) (*protocol.QueryResult, error) {
	return m.full.Execute(ctx, q)
}

func (m *minimalSession) Schema(ctx context.Context) (*protocol.SchemaSnapshot, error) {
	return m.full.Schema(ctx)
}

func (m *minimalSession) Ping(ctx context.Context) error  { return m.full.Ping(ctx) }
func (m *minimalSession) Close(ctx context.Context) error { return m.full.Close(ctx) }

type row map[string]string

type table struct {
	info protocol.TableInfo
	rows []row
}

type session struct {
	mu     sync.Mutex
	active string
	tables map[string]*table
	kv     map[string]string
}

func newSession() *session {
	users := &table{
		info: protocol.TableInfo{
			Name: "users",
			Columns: []protocol.ColumnInfo{
				{Name: "id", TypeName: "integer", IsPrimaryKey: true},
				{Name: "name", TypeName: "text", Nullable: true},
				{Name: "email", TypeName: "text", Nullable: true},
			},
			Indexes: []protocol.IndexInfo{
				{Name: "users_pkey", Columns: []string{"id"}, Unique: true},
			},
		},
		rows: []row{
			{"id": "1", "name": "ada", "email": "ada@example.com"},
			{"id": "2", "name": "brendan", "email": "brendan@example.com"},
			{"id": "3", "name": "grace", "email": "grace@example.com"},
		},
	}
	return &session{
		active: defaultDatabase,
		tables: map[string]*table{"users": users},
		kv:     make(map[string]string),
	}
}

func (s *session) Ping(context.Context) error  { return nil }
func (s *session) Close(context.Context) error { return nil }

// Execute understands just enough SQL for smoke checks: SELECT 1 and
// SELECT * FROM <table>. Anything else is a driver error with the statement
// echoed back.
func (s *session) Execute(ctx context.Context, q protocol.QueryRequest) (*protocol.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()
	stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(q.SQL), ";"))

	if strings.EqualFold(stmt, "select 1") {
		return &protocol.QueryResult{
			Shape:           protocol.ShapeTable,
			Columns:         []protocol.ColumnMeta{{Name: "?column?", TypeName: "integer"}},
			Rows:            [][]string{{"1"}},
			ExecutionTimeMS: uint64(time.Since(started).Milliseconds()),
		}, nil
	}

	if strings.EqualFold(stmt, "select pg_sleep(60)") {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(60 * time.Second):
			return nil, fmt.Errorf("memdriver: sleep elapsed")
		}
	}

	const fromPrefix = "select * from "
	if strings.HasPrefix(strings.ToLower(stmt), fromPrefix) {
		name := strings.TrimSpace(stmt[len(fromPrefix):])
		s.mu.Lock()
		tbl, ok := s.tables[name]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("memdriver: relation %q does not exist", name)
		}
		return tbl.result(started), nil
	}

	return nil, fmt.Errorf("memdriver: cannot execute %q", stmt)
}

func (t *table) result(started time.Time) *protocol.QueryResult {
	cols := make([]protocol.ColumnMeta, len(t.info.Columns))
	for i, c := range t.info.Columns {
		cols[i] = protocol.ColumnMeta{Name: c.Name, TypeName: c.TypeName, Nullable: c.Nullable}
	}
	rows := make([][]string, len(t.rows))
	for i, r := range t.rows {
		out := make([]string, len(t.info.Columns))
		for j, c := range t.info.Columns {
			out[j] = r[c.Name]
		}
		rows[i] = out
	}
	return &protocol.QueryResult{
		Shape:           protocol.ShapeTable,
		Columns:         cols,
		Rows:            rows,
		ExecutionTimeMS: uint64(time.Since(started).Milliseconds()),
	}
}

func (s *session) Schema(context.Context) (*protocol.SchemaSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.active
	return &protocol.SchemaSnapshot{
		Databases:       []protocol.DatabaseInfo{{Name: defaultDatabase, IsCurrent: current == defaultDatabase}},
		CurrentDatabase: &current,
		Tables:          s.tableInfosLocked(),
	}, nil
}

func (s *session) tableInfosLocked() []protocol.TableInfo {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]protocol.TableInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, s.tables[name].info)
	}
	return infos
}

func (s *session) ListDatabases(context.Context) ([]protocol.DatabaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []protocol.DatabaseInfo{{Name: defaultDatabase, IsCurrent: s.active == defaultDatabase}}, nil
}

func (s *session) SchemaForDatabase(_ context.Context, database string) (*protocol.DatabaseSchema, error) {
	if database != defaultDatabase {
		return nil, fmt.Errorf("memdriver: database %q does not exist", database)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &protocol.DatabaseSchema{Name: database, Tables: s.tableInfosLocked()}, nil
}

func (s *session) SetActiveDatabase(_ context.Context, database *string) error {
	name := defaultDatabase
	if database != nil {
		name = *database
	}
	if name != defaultDatabase {
		return fmt.Errorf("memdriver: database %q does not exist", name)
	}
	s.mu.Lock()
	s.active = name
	s.mu.Unlock()
	return nil
}

func (s *session) TableDetails(_ context.Context, ref protocol.TableRef) (*protocol.TableInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[ref.Table]
	if !ok {
		return nil, fmt.Errorf("memdriver: relation %q does not exist", ref.Table)
	}
	info := tbl.info
	return &info, nil
}

func (s *session) BrowseTable(_ context.Context, b protocol.BrowseRequest) (*protocol.QueryResult, error) {
	started := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[b.Table]
	if !ok {
		return nil, fmt.Errorf("memdriver: relation %q does not exist", b.Table)
	}
	result := tbl.result(started)

	if b.OrderBy != nil {
		col := -1
		for i, c := range result.Columns {
			if c.Name == *b.OrderBy {
				col = i
				break
			}
		}
		if col < 0 {
			return nil, fmt.Errorf("memdriver: column %q does not exist", *b.OrderBy)
		}
		sort.SliceStable(result.Rows, func(i, j int) bool {
			if b.Descending {
				return result.Rows[i][col] > result.Rows[j][col]
			}
			return result.Rows[i][col] < result.Rows[j][col]
		})
	}

	offset := int(b.Offset)
	if offset > len(result.Rows) {
		offset = len(result.Rows)
	}
	end := len(result.Rows)
	if b.Limit > 0 && offset+int(b.Limit) < end {
		end = offset + int(b.Limit)
	}
	result.Rows = result.Rows[offset:end]
	return result, nil
}

func (s *session) CountTable(_ context.Context, c protocol.CountRequest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[c.Table]
	if !ok {
		return 0, fmt.Errorf("memdriver: relation %q does not exist", c.Table)
	}
	return uint64(len(tbl.rows)), nil
}

func (s *session) UpdateRow(_ context.Context, patch protocol.RowPatch) (*protocol.CrudResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[patch.Table]
	if !ok {
		return nil, fmt.Errorf("memdriver: relation %q does not exist", patch.Table)
	}
	var affected uint64
	for _, r := range tbl.rows {
		if matches(r, patch.Key) {
			for col, val := range patch.Changes {
				r[col] = val
			}
			affected++
		}
	}
	return &protocol.CrudResult{AffectedRows: affected}, nil
}

func (s *session) InsertRow(_ context.Context, insert protocol.RowInsert) (*protocol.CrudResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[insert.Table]
	if !ok {
		return nil, fmt.Errorf("memdriver: relation %q does not exist", insert.Table)
	}
	r := make(row, len(insert.Values))
	for col, val := range insert.Values {
		r[col] = val
	}
	tbl.rows = append(tbl.rows, r)
	return &protocol.CrudResult{AffectedRows: 1}, nil
}

func (s *session) DeleteRow(_ context.Context, del protocol.RowDelete) (*protocol.CrudResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[del.Table]
	if !ok {
		return nil, fmt.Errorf("memdriver: relation %q does not exist", del.Table)
	}
	kept := tbl.rows[:0]
	var affected uint64
	for _, r := range tbl.rows {
		if matches(r, del.Key) {
			affected++
			continue
		}
		kept = append(kept, r)
	}
	tbl.rows = kept
	return &protocol.CrudResult{AffectedRows: affected}, nil
}

func matches(r row, key map[string]string) bool {
	for col, val := range key {
		if r[col] != val {
			return false
		}
	}
	return len(key) > 0
}

func (s *session) KeyScan(_ context.Context, scan protocol.KeyScanRequest) ([]protocol.KeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.kv))
	for k := range s.kv {
		if matchPattern(scan.Pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if scan.Limit > 0 && len(keys) > int(scan.Limit) {
		keys = keys[:scan.Limit]
	}
	entries := make([]protocol.KeyEntry, len(keys))
	for i, k := range keys {
		size := uint64(len(s.kv[k]))
		kind := "string"
		entries[i] = protocol.KeyEntry{Key: k, KeyType: &kind, SizeBytes: &size}
	}
	return entries, nil
}

// matchPattern supports the redis-style glob subset the scan op promises:
// a bare * matches everything, a trailing * matches a prefix.
func matchPattern(pattern, key string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == key
	}
}

func (s *session) KeyGet(_ context.Context, key string) (*protocol.KeyValueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.kv[key]
	if !ok {
		return nil, fmt.Errorf("memdriver: key %q does not exist", key)
	}
	return &protocol.KeyValueResult{Key: key, Value: val, Repr: "string"}, nil
}

func (s *session) KeySet(_ context.Context, write protocol.KeyWrite) error {
	s.mu.Lock()
	s.kv[write.Key] = write.Value
	s.mu.Unlock()
	return nil
}

func (s *session) KeyDelete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; !ok {
		return fmt.Errorf("memdriver: key %q does not exist", key)
	}
	delete(s.kv, key)
	return nil
}

func (s *session) CodeGenerators(context.Context) ([]protocol.GeneratorInfo, error) {
	return []protocol.GeneratorInfo{
		{ID: "go-struct", DisplayName: "Go struct", Language: "go"},
	}, nil
}

func (s *session) GenerateCode(_ context.Context, gen protocol.GenerateCodeRequest) (string, error) {
	if gen.GeneratorID != "go-struct" {
		return "", fmt.Errorf("memdriver: unknown generator %q", gen.GeneratorID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "type %s struct {\n", exportName(gen.Table.Name))
	for _, col := range gen.Table.Columns {
		fmt.Fprintf(&b, "\t%s %s `json:%q`\n", exportName(col.Name), goType(col), col.Name)
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func exportName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return "Row"
	}
	return b.String()
}

func goType(col protocol.ColumnInfo) string {
	var t string
	switch strings.ToLower(col.TypeName) {
	case "integer", "int", "bigint", "smallint":
		t = "int64"
	case "real", "double", "float", "numeric":
		t = "float64"
	case "boolean", "bool":
		t = "bool"
	default:
		t = "string"
	}
	if col.Nullable {
		return "*" + t
	}
	return t
}
