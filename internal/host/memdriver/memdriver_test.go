package memdriver

import (
	"context"
	"strings"
	"testing"

	"github.com/dbflux/driverkit/internal/protocol"
)

func openSession(t *testing.T) *session {
	t.Helper()
	sess, err := New().Open(context.Background(), `{"kind":"external","values":{}}`)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sess.(*session)
}

func TestOpenRejectsMalformedProfile(t *testing.T) {
	_, err := New().Open(context.Background(), "{not json")
	rpcErr, ok := protocol.AsRPCError(err)
	if !ok || rpcErr.Code != protocol.CodeInvalidRequest {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"user:*", "user:1", true},
		{"user:*", "order:1", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.key); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestBrowsePaging(t *testing.T) {
	sess := openSession(t)
	ctx := context.Background()

	result, err := sess.BrowseTable(ctx, protocol.BrowseRequest{Table: "users", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("BrowseTable: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %v, want one past offset 2", result.Rows)
	}

	result, err = sess.BrowseTable(ctx, protocol.BrowseRequest{Table: "users", Offset: 10})
	if err != nil {
		t.Fatalf("BrowseTable past end: %v", err)
	}
	if len(result.Rows) != 0 {
		t.Fatalf("rows past end = %v", result.Rows)
	}
}

func TestGenerateGoStruct(t *testing.T) {
	sess := openSession(t)
	nullable := "text"
	code, err := sess.GenerateCode(context.Background(), protocol.GenerateCodeRequest{
		GeneratorID: "go-struct",
		Table: protocol.TableInfo{
			Name: "order_items",
			Columns: []protocol.ColumnInfo{
				{Name: "id", TypeName: "bigint"},
				{Name: "note", TypeName: nullable, Nullable: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	for _, want := range []string{"type OrderItems struct", "Id int64", "Note *string"} {
		if !strings.Contains(code, want) {
			t.Errorf("generated code missing %q:\n%s", want, code)
		}
	}
}
