package protocol

import (
	"errors"
	"testing"
)

func TestDecodeHTTPRequest(t *testing.T) {
	data := []byte(`{"type":"http_request","requestId":"r1","method":"POST","path":"/session","query":{"directory":"/tmp/p"}}`)

	v, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	req, ok := v.(*HTTPRequest)
	if !ok {
		t.Fatalf("Expected *HTTPRequest, got %T", v)
	}
	if req.RequestID != "r1" || req.Method != "POST" || req.Path != "/session" {
		t.Errorf("Unexpected fields: %+v", req)
	}
	if req.Query["directory"] != "/tmp/p" {
		t.Errorf("Expected query directory, got %v", req.Query)
	}
}

func TestDecodePairResponse(t *testing.T) {
	data := []byte(`{"type":"pair_response","success":false,"error":"code expired"}`)

	v, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	resp, ok := v.(*PairResponse)
	if !ok {
		t.Fatalf("Expected *PairResponse, got %T", v)
	}
	if resp.Success || resp.Error != "code expired" {
		t.Errorf("Unexpected fields: %+v", resp)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telemetry","payload":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatal("Expected error for malformed JSON")
	}
}

func TestEncodeRoundTripEvent(t *testing.T) {
	ev := &Event{
		Type:      TypeEvent,
		Event:     EventPayload{Type: "message.part.updated", Data: []byte(`{"sessionID":"s1"}`)},
		Timestamp: 1700000000000,
	}
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	v, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := v.(*Event)
	if !ok {
		t.Fatalf("Expected *Event, got %T", v)
	}
	if got.Event.Type != "message.part.updated" || got.Timestamp != ev.Timestamp {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}
