package events

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 4, 1, 8, 30, 0, 123, time.UTC)
	in := Event{
		ID:         "2Xk",
		Type:       TypeMasterKeyLogin,
		UserID:     "user-1",
		SessionID:  "sess-1",
		Tenant:     "acme",
		IPAddress:  "10.0.0.1",
		Detail:     map[string]string{"email": "a@b.com"},
		OccurredAt: at,
	}

	values, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// stream values come back as strings
	for k, v := range values {
		if _, ok := v.(string); !ok {
			t.Fatalf("field %s is %T, want string", k, v)
		}
	}

	out, err := Decode(values)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID != in.ID || out.Type != in.Type || out.Tenant != in.Tenant || !out.OccurredAt.Equal(at) {
		t.Fatalf("decoded %+v", out)
	}
	if out.Detail["email"] != "a@b.com" {
		t.Fatalf("detail lost: %+v", out.Detail)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []map[string]any{
		{"type": "login", "occurredAt": "2026-04-01T00:00:00Z"},
		{"id": "x", "type": "login", "occurredAt": "yesterday"},
		{"id": "x", "type": "login", "occurredAt": "2026-04-01T00:00:00Z", "detail": "not-json"},
	}
	for _, values := range cases {
		if _, err := Decode(values); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("Decode(%v) = %v, want ErrMalformedEvent", values, err)
		}
	}
}
