package protocol

// DriverKind identifies the database backend a service exposes.
type DriverKind string

const (
	KindPostgres DriverKind = "postgres"
	KindSQLite   DriverKind = "sqlite"
	KindMySQL    DriverKind = "mysql"
	KindMariaDB  DriverKind = "mariadb"
	KindMongoDB  DriverKind = "mongodb"
	KindRedis    DriverKind = "redis"
	KindExternal DriverKind = "external"
)

// DatabaseCategory groups drivers for the connection manager.
type DatabaseCategory string

const (
	CategoryRelational DatabaseCategory = "relational"
	CategoryDocument   DatabaseCategory = "document"
	CategoryKeyValue   DatabaseCategory = "key_value"
)

// MetaCapability is the static driver capability bitset advertised inside
// DriverMetadata. Distinct from the protocol-level Capability flags: these
// describe the database, not the RPC channel.
type MetaCapability uint32

const (
	MetaTransactions MetaCapability = 1 << iota
	MetaExplain
	MetaMultipleDatabases
	MetaCustomTypes
	MetaGeneratedCode
)

// Has reports whether the bitset contains c.
func (m MetaCapability) Has(c MetaCapability) bool { return m&c != 0 }

// DriverMetadata is the static identity a service reports during Hello.
// After a successful handshake this record, not local configuration, is the
// source of truth for everything the application knows about the driver.
type DriverMetadata struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	Description   string           `json:"description"`
	Category      DatabaseCategory `json:"category"`
	QueryLanguage string           `json:"query_language"`
	Capabilities  MetaCapability   `json:"capabilities"`
	DefaultPort   uint16           `json:"default_port,omitempty"`
	URIScheme     string           `json:"uri_scheme,omitempty"`
	Icon          string           `json:"icon,omitempty"`
}

// FormFieldKind enumerates the input widgets a connection form may request.
type FormFieldKind string

const (
	FieldText     FormFieldKind = "text"
	FieldPassword FormFieldKind = "password"
	FieldNumber   FormFieldKind = "number"
	FieldCheckbox FormFieldKind = "checkbox"
	FieldSelect   FormFieldKind = "select"
	FieldFile     FormFieldKind = "file"
)

// FormField describes one connection input the UI must collect.
type FormField struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	Kind         FormFieldKind `json:"kind"`
	Placeholder  string        `json:"placeholder,omitempty"`
	Required     bool          `json:"required,omitempty"`
	DefaultValue string        `json:"default_value,omitempty"`
	Options      []string      `json:"options,omitempty"`
}

// FormSection groups related fields under a title.
type FormSection struct {
	Title  string      `json:"title"`
	Fields []FormField `json:"fields"`
}

// FormTab is one page of the connection form.
type FormTab struct {
	ID       string        `json:"id"`
	Label    string        `json:"label"`
	Sections []FormSection `json:"sections"`
}

// FormDefinition is the dynamic connection form a service advertises.
type FormDefinition struct {
	Tabs []FormTab `json:"tabs"`
}

// QueryRequest carries one statement for Execute.
type QueryRequest struct {
	SQL                string   `json:"sql"`
	Params             []string `json:"params,omitempty"`
	Limit              *uint32  `json:"limit,omitempty"`
	Offset             *uint32  `json:"offset,omitempty"`
	StatementTimeoutMS *uint64  `json:"statement_timeout_ms,omitempty"`
	Database           *string  `json:"database,omitempty"`
}

// ResultShape tells the consumer how to render a QueryResult.
type ResultShape string

const (
	ShapeTable  ResultShape = "table"
	ShapeJSON   ResultShape = "json"
	ShapeText   ResultShape = "text"
	ShapeBinary ResultShape = "binary"
)

type ColumnMeta struct {
	Name     string `json:"name"`
	TypeName string `json:"type_name"`
	Nullable bool   `json:"nullable"`
}

type QueryResult struct {
	Shape           ResultShape  `json:"shape"`
	Columns         []ColumnMeta `json:"columns,omitempty"`
	Rows            [][]string   `json:"rows,omitempty"`
	AffectedRows    *uint64      `json:"affected_rows,omitempty"`
	ExecutionTimeMS uint64       `json:"execution_time_ms"`
	TextBody        string       `json:"text_body,omitempty"`
	RawBytes        []byte       `json:"raw_bytes,omitempty"`
}

type DatabaseInfo struct {
	Name      string `json:"name"`
	IsCurrent bool   `json:"is_current"`
}

type ColumnInfo struct {
	Name         string  `json:"name"`
	TypeName     string  `json:"type_name"`
	Nullable     bool    `json:"nullable"`
	IsPrimaryKey bool    `json:"is_primary_key"`
	DefaultValue *string `json:"default_value,omitempty"`
}

type IndexInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

type TableInfo struct {
	Name    string       `json:"name"`
	Schema  *string      `json:"schema,omitempty"`
	Columns []ColumnInfo `json:"columns,omitempty"`
	Indexes []IndexInfo  `json:"indexes,omitempty"`
}

type ViewInfo struct {
	Name   string  `json:"name"`
	Schema *string `json:"schema,omitempty"`
}

// DatabaseSchema is the table/view listing of one named database.
type DatabaseSchema struct {
	Name   string      `json:"name"`
	Tables []TableInfo `json:"tables"`
	Views  []ViewInfo  `json:"views"`
}

// SchemaSnapshot is the full introspection result for a session.
type SchemaSnapshot struct {
	Databases       []DatabaseInfo   `json:"databases,omitempty"`
	CurrentDatabase *string          `json:"current_database,omitempty"`
	Schemas         []DatabaseSchema `json:"schemas,omitempty"`
	Tables          []TableInfo      `json:"tables,omitempty"`
	Views           []ViewInfo       `json:"views,omitempty"`
}

// RowPatch updates one row identified by its key columns.
type RowPatch struct {
	Database string            `json:"database"`
	Schema   *string           `json:"schema,omitempty"`
	Table    string            `json:"table"`
	Key      map[string]string `json:"key"`
	Changes  map[string]string `json:"changes"`
}

type RowInsert struct {
	Database string            `json:"database"`
	Schema   *string           `json:"schema,omitempty"`
	Table    string            `json:"table"`
	Values   map[string]string `json:"values"`
}

type RowDelete struct {
	Database string            `json:"database"`
	Schema   *string           `json:"schema,omitempty"`
	Table    string            `json:"table"`
	Key      map[string]string `json:"key"`
}

// CrudResult reports the outcome of a row or document mutation.
type CrudResult struct {
	AffectedRows uint64 `json:"affected_rows"`
	Message      string `json:"message,omitempty"`
}

// BrowseRequest pages through a table without hand-written SQL.
type BrowseRequest struct {
	Database   string  `json:"database"`
	Schema     *string `json:"schema,omitempty"`
	Table      string  `json:"table"`
	Limit      uint32  `json:"limit"`
	Offset     uint32  `json:"offset"`
	OrderBy    *string `json:"order_by,omitempty"`
	Descending bool    `json:"descending,omitempty"`
}

type CountRequest struct {
	Database string  `json:"database"`
	Schema   *string `json:"schema,omitempty"`
	Table    string  `json:"table"`
	Filter   *string `json:"filter,omitempty"`
}

// KeyEntry is metadata for one key in a key-value store.
type KeyEntry struct {
	Key        string  `json:"key"`
	KeyType    *string `json:"key_type,omitempty"`
	TTLSeconds *int64  `json:"ttl_seconds,omitempty"`
	SizeBytes  *uint64 `json:"size_bytes,omitempty"`
}

type KeyScanRequest struct {
	Pattern string `json:"pattern"`
	Limit   uint32 `json:"limit"`
}

type KeyWrite struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

type KeyValueResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Repr  string `json:"repr"`
}

// GeneratorInfo describes one code generator a driver offers.
type GeneratorInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

type GenerateCodeRequest struct {
	GeneratorID string    `json:"generator_id"`
	Table       TableInfo `json:"table"`
}
