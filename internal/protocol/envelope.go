package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Op tags the request/response union. The catalog is closed: a service that
// receives an Op it does not recognize must answer with a typed
// CodeUnsupportedMethod error, never drop the request silently.
type Op string

const (
	OpHello             Op = "hello"
	OpOpenSession       Op = "open_session"
	OpCloseSession      Op = "close_session"
	OpPing              Op = "ping"
	OpCancel            Op = "cancel"
	OpExecute           Op = "execute"
	OpSchema            Op = "schema"
	OpListDatabases     Op = "list_databases"
	OpSchemaForDatabase Op = "schema_for_database"
	OpTableDetails      Op = "table_details"
	OpSetActiveDatabase Op = "set_active_database"
	OpBrowseTable       Op = "browse_table"
	OpCountTable        Op = "count_table"
	OpUpdateRow         Op = "update_row"
	OpInsertRow         Op = "insert_row"
	OpDeleteRow         Op = "delete_row"
	OpKeyScan           Op = "key_scan"
	OpKeyGet            Op = "key_get"
	OpKeySet            Op = "key_set"
	OpKeyDelete         Op = "key_delete"
	OpCodeGenerators    Op = "code_generators"
	OpGenerateCode      Op = "generate_code"
)

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrBodyMismatch    = errors.New("protocol: body does not match op")
)

// HelloRequest opens every connection; no other request is valid before a
// Hello response has been received.
type HelloRequest struct {
	ClientName            string       `json:"client_name"`
	ClientVersion         string       `json:"client_version"`
	SupportedVersions     []int        `json:"supported_versions"`
	RequestedCapabilities []Capability `json:"requested_capabilities"`
}

// HelloResponse carries the negotiated version and the driver identity the
// rest of the application treats as authoritative.
type HelloResponse struct {
	ServerName      string         `json:"server_name"`
	ServerVersion   string         `json:"server_version"`
	SelectedVersion int            `json:"selected_version"`
	Capabilities    []Capability   `json:"capabilities"`
	DriverKind      DriverKind     `json:"driver_kind"`
	Metadata        DriverMetadata `json:"metadata"`
	Form            FormDefinition `json:"form"`
}

// OpenSessionRequest carries the opaque profile blob collected from the
// advertised form definition, typically `{"kind":..., "values":{...}}`.
type OpenSessionRequest struct {
	ProfileJSON string `json:"profile_json"`
}

// CancelRequest references the correlation id of the call to stop.
type CancelRequest struct {
	Of uint64 `json:"of"`
}

type TableRef struct {
	Database string  `json:"database"`
	Schema   *string `json:"schema,omitempty"`
	Table    string  `json:"table"`
}

type DatabaseRef struct {
	Database string `json:"database"`
}

type ActiveDatabase struct {
	Database *string `json:"database,omitempty"`
}

type KeyRef struct {
	Key string `json:"key"`
}

// Request is the request envelope. Exactly one body pointer matching Op is
// set; ops without parameters carry no body.
type Request struct {
	Version   int        `json:"version"`
	ID        uint64     `json:"id"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Op        Op         `json:"op"`

	Hello             *HelloRequest        `json:"hello,omitempty"`
	OpenSession       *OpenSessionRequest  `json:"open_session,omitempty"`
	Cancel            *CancelRequest       `json:"cancel,omitempty"`
	Execute           *QueryRequest        `json:"execute,omitempty"`
	SchemaForDatabase *DatabaseRef         `json:"schema_for_database,omitempty"`
	TableDetails      *TableRef            `json:"table_details,omitempty"`
	SetActiveDatabase *ActiveDatabase      `json:"set_active_database,omitempty"`
	BrowseTable       *BrowseRequest       `json:"browse_table,omitempty"`
	CountTable        *CountRequest        `json:"count_table,omitempty"`
	UpdateRow         *RowPatch            `json:"update_row,omitempty"`
	InsertRow         *RowInsert           `json:"insert_row,omitempty"`
	DeleteRow         *RowDelete           `json:"delete_row,omitempty"`
	KeyScan           *KeyScanRequest      `json:"key_scan,omitempty"`
	KeyGet            *KeyRef              `json:"key_get,omitempty"`
	KeySet            *KeyWrite            `json:"key_set,omitempty"`
	KeyDelete         *KeyRef              `json:"key_delete,omitempty"`
	GenerateCode      *GenerateCodeRequest `json:"generate_code,omitempty"`
}

// Validate checks the envelope shape: a known op whose required body is
// present. Unknown ops fail here on the client; a host decodes them
// leniently and answers CodeUnsupportedMethod instead.
func (r *Request) Validate() error {
	if r.ID == 0 && r.Op != OpHello {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	switch r.Op {
	case OpHello:
		if r.Hello == nil {
			return fmt.Errorf("%w: hello body required", ErrBodyMismatch)
		}
	case OpOpenSession:
		if r.OpenSession == nil {
			return fmt.Errorf("%w: open_session body required", ErrBodyMismatch)
		}
	case OpCancel:
		if r.Cancel == nil {
			return fmt.Errorf("%w: cancel body required", ErrBodyMismatch)
		}
	case OpExecute:
		if r.Execute == nil {
			return fmt.Errorf("%w: execute body required", ErrBodyMismatch)
		}
	case OpSchemaForDatabase:
		if r.SchemaForDatabase == nil {
			return fmt.Errorf("%w: schema_for_database body required", ErrBodyMismatch)
		}
	case OpTableDetails:
		if r.TableDetails == nil {
			return fmt.Errorf("%w: table_details body required", ErrBodyMismatch)
		}
	case OpSetActiveDatabase:
		if r.SetActiveDatabase == nil {
			return fmt.Errorf("%w: set_active_database body required", ErrBodyMismatch)
		}
	case OpBrowseTable:
		if r.BrowseTable == nil {
			return fmt.Errorf("%w: browse_table body required", ErrBodyMismatch)
		}
	case OpCountTable:
		if r.CountTable == nil {
			return fmt.Errorf("%w: count_table body required", ErrBodyMismatch)
		}
	case OpUpdateRow:
		if r.UpdateRow == nil {
			return fmt.Errorf("%w: update_row body required", ErrBodyMismatch)
		}
	case OpInsertRow:
		if r.InsertRow == nil {
			return fmt.Errorf("%w: insert_row body required", ErrBodyMismatch)
		}
	case OpDeleteRow:
		if r.DeleteRow == nil {
			return fmt.Errorf("%w: delete_row body required", ErrBodyMismatch)
		}
	case OpKeyScan:
		if r.KeyScan == nil {
			return fmt.Errorf("%w: key_scan body required", ErrBodyMismatch)
		}
	case OpKeyGet:
		if r.KeyGet == nil {
			return fmt.Errorf("%w: key_get body required", ErrBodyMismatch)
		}
	case OpKeySet:
		if r.KeySet == nil {
			return fmt.Errorf("%w: key_set body required", ErrBodyMismatch)
		}
	case OpKeyDelete:
		if r.KeyDelete == nil {
			return fmt.Errorf("%w: key_delete body required", ErrBodyMismatch)
		}
	case OpGenerateCode:
		if r.GenerateCode == nil {
			return fmt.Errorf("%w: generate_code body required", ErrBodyMismatch)
		}
	case OpCloseSession, OpPing, OpSchema, OpListDatabases, OpCodeGenerators:
		// no body
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEnvelope, r.Op)
	}
	return nil
}

// Response is the response envelope, correlated to its request by ID.
type Response struct {
	Version   int        `json:"version"`
	ID        uint64     `json:"id"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Op        Op         `json:"op"`

	Hello          *HelloResponse  `json:"hello,omitempty"`
	SessionOpened  *SessionOpened  `json:"session_opened,omitempty"`
	Result         *QueryResult    `json:"result,omitempty"`
	Schema         *SchemaSnapshot `json:"schema,omitempty"`
	Databases      []DatabaseInfo  `json:"databases,omitempty"`
	DatabaseSchema *DatabaseSchema `json:"database_schema,omitempty"`
	Table          *TableInfo      `json:"table,omitempty"`
	Count          *uint64         `json:"count,omitempty"`
	Mutation       *CrudResult     `json:"mutation,omitempty"`
	Keys           []KeyEntry      `json:"keys,omitempty"`
	KeyValue       *KeyValueResult `json:"key_value,omitempty"`
	Generators     []GeneratorInfo `json:"generators,omitempty"`
	GeneratedCode  *string         `json:"generated_code,omitempty"`
	Error          *RPCError       `json:"error,omitempty"`
}

type SessionOpened struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Err returns the envelope's error, or nil for a success response.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// NewErrorResponse builds the error reply for a request id.
func NewErrorResponse(id uint64, sessionID *uuid.UUID, rpcErr *RPCError) *Response {
	return &Response{Version: Version, ID: id, SessionID: sessionID, Op: "", Error: rpcErr}
}

// EncodeRequest marshals a request envelope to its frame payload.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// DecodeRequest unmarshals a frame payload into a request envelope without
// validating the op, so hosts can answer unknown ops with a typed error.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &req, nil
}

func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &resp, nil
}
