package protocol

import (
	"errors"
	"testing"
)

func TestNegotiateSelectsHighestCommon(t *testing.T) {
	got, ok := Negotiate([]int{1, 2}, []int{2, 3})
	if !ok || got != 2 {
		t.Fatalf("negotiate {1,2}x{2,3}: got (%d,%v), want (2,true)", got, ok)
	}
}

func TestNegotiateDisjointFails(t *testing.T) {
	if _, ok := Negotiate([]int{1}, []int{3}); ok {
		t.Fatal("negotiate {1}x{3}: expected failure")
	}
}

func TestNegotiatePrefersNewest(t *testing.T) {
	got, ok := Negotiate([]int{1, 2, 3}, []int{3, 1})
	if !ok || got != 3 {
		t.Fatalf("got (%d,%v), want (3,true)", got, ok)
	}
}

func TestRequestValidateBodyMismatch(t *testing.T) {
	req := &Request{Version: Version, ID: 1, Op: OpExecute}
	if err := req.Validate(); !errors.Is(err, ErrBodyMismatch) {
		t.Fatalf("expected ErrBodyMismatch, got %v", err)
	}
}

func TestRequestValidateUnknownOp(t *testing.T) {
	req := &Request{Version: Version, ID: 1, Op: "warp_drive"}
	if err := req.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	limit := uint32(100)
	req := &Request{
		Version: Version,
		ID:      7,
		Op:      OpExecute,
		Execute: &QueryRequest{SQL: "SELECT 1", Limit: &limit},
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 7 || got.Op != OpExecute || got.Execute == nil || got.Execute.SQL != "SELECT 1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Execute.Limit == nil || *got.Execute.Limit != 100 {
		t.Fatalf("limit not preserved: %+v", got.Execute)
	}
}

func TestDecodeRequestKeepsUnknownOp(t *testing.T) {
	got, err := DecodeRequest([]byte(`{"version":1,"id":3,"op":"warp_drive"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Op != "warp_drive" {
		t.Fatalf("op not preserved: %q", got.Op)
	}
}

func TestResponseErrPreservesContext(t *testing.T) {
	resp := &Response{
		Version: Version,
		ID:      1,
		Error: &RPCError{
			Code:    CodeDriver,
			Message: "unique constraint violated",
			Context: map[string]string{"constraint": "users_email_key", "column": "email"},
		},
	}
	payload, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rpcErr, ok := AsRPCError(got.Err())
	if !ok {
		t.Fatalf("expected RPCError, got %v", got.Err())
	}
	if rpcErr.Context["constraint"] != "users_email_key" || rpcErr.Context["column"] != "email" {
		t.Fatalf("context not preserved: %+v", rpcErr.Context)
	}
}

func TestHasCapability(t *testing.T) {
	granted := []Capability{CapCancellation, CapSchemaIntrospection}
	if !HasCapability(granted, CapCancellation) {
		t.Fatal("expected cancellation granted")
	}
	if HasCapability(granted, CapChunkedResults) {
		t.Fatal("chunked_results should not be granted")
	}
}

func TestDefaultCapabilitiesAreAllImplemented(t *testing.T) {
	// chunked_results stays out of the default set until a chunked
	// operation exists to back it.
	if HasCapability(AllCapabilities, CapChunkedResults) {
		t.Fatal("chunked_results must not be requested by default")
	}
	for _, c := range []Capability{CapCancellation, CapSchemaIntrospection, CapMultiDatabase} {
		if !HasCapability(AllCapabilities, c) {
			t.Fatalf("default set missing %q", c)
		}
	}
}

func TestMetaCapabilityBitset(t *testing.T) {
	caps := MetaTransactions | MetaExplain
	if !caps.Has(MetaExplain) || caps.Has(MetaGeneratedCode) {
		t.Fatalf("bitset misbehaves: %b", caps)
	}
}
