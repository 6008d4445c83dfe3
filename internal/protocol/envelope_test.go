package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCodecDecode(t *testing.T) {
	codec := Codec{}
	tests := []struct {
		name    string
		frame   string
		want    MsgType
		wantErr bool
	}{
		{"login", `{"msgid":1,"id":7,"password":"x"}`, LOGIN, false},
		{"unregistered id still decodes", `{"msgid":99}`, MsgType(99), false},
		{"missing msgid", `{"id":7}`, 0, true},
		{"not json", `hello`, 0, true},
		{"msgid not int", `{"msgid":"one"}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := codec.Decode([]byte(tt.frame))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEnvelope) {
					t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Type != tt.want {
				t.Errorf("expected type %v, got %v", tt.want, env.Type)
			}
		})
	}
}

func TestEnvelopeDecodeBody(t *testing.T) {
	env, err := Codec{}.Decode([]byte(`{"msgid":6,"to":2,"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	var msg DirectMessage
	if err := env.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.To != 2 || msg.Text != "hi" || msg.MsgID != DIRECT_MESSAGE {
		t.Errorf("unexpected message %+v", msg)
	}

	bad := &Envelope{Type: DIRECT_MESSAGE, Body: json.RawMessage(`{"to":"two"}`)}
	if err := bad.Decode(&msg); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestNewEnvelopeStampsType(t *testing.T) {
	env, err := NewEnvelope(ACK, NewAck(ADD_FRIEND, StatusNotFound, ""))
	if err != nil {
		t.Fatal(err)
	}
	body := string(Codec{}.Encode(env))
	for _, want := range []string{`"msgid":11`, `"ack_of":7`, `"errno":7`, `"errmsg":"not found"`} {
		if !strings.Contains(body, want) {
			t.Errorf("encoded ack %s missing %s", body, want)
		}
	}
}

func TestMsgTypeString(t *testing.T) {
	if LOGIN.String() != "LOGIN" || GROUP_MESSAGE.String() != "GROUP_MESSAGE" {
		t.Errorf("unexpected names %s %s", LOGIN, GROUP_MESSAGE)
	}
	if MsgType(42).String() != "MsgType(42)" {
		t.Errorf("unexpected name for unknown type: %s", MsgType(42))
	}
}
