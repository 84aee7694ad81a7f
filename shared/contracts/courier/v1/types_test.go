package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecipients_AcceptsStringOrList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "list", in: `{"to":["a@x.com","b@x.com"]}`, want: []string{"a@x.com", "b@x.com"}},
		{name: "single", in: `{"to":"Verona"}`, want: []string{"Verona"}},
		{name: "comma", in: `{"to":"a@x.com, b@x.com,"}`, want: []string{"a@x.com", "b@x.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var req SendMessageRequest
			if err := json.Unmarshal([]byte(tt.in), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(req.To) != len(tt.want) {
				t.Fatalf("got %v want %v", req.To, tt.want)
			}
			for i := range tt.want {
				if req.To[i] != tt.want[i] {
					t.Fatalf("got %v want %v", req.To, tt.want)
				}
			}
		})
	}

	var req SendMessageRequest
	if err := json.Unmarshal([]byte(`{"to":42}`), &req); err == nil {
		t.Fatalf("expected error for numeric to")
	}
}

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeHello, ID: "1", TS: time.Now(), Payload: json.RawMessage(`{}`)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope: %v", err)
	}

	bad := []Envelope{
		{V: 2, Type: TypeHello, ID: "1", TS: time.Now(), Payload: json.RawMessage(`{}`)},
		{V: Version, Type: "message.send", ID: "1", TS: time.Now(), Payload: json.RawMessage(`{}`)},
		{V: Version, Type: TypeHello, TS: time.Now(), Payload: json.RawMessage(`{}`)},
		{V: Version, Type: TypeHello, ID: "1", Payload: json.RawMessage(`{}`)},
		{V: Version, Type: TypeHello, ID: "1", TS: time.Now()},
	}
	for i, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
