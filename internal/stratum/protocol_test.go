package stratum

import (
	"reflect"
	"testing"

	"github.com/bardlex/poolcore/pkg/errors"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Request
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Request{
				ID:     float64(1), // JSON numbers are parsed as float64
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
		},
		{
			name: "null id and no params",
			data: []byte(`{"id":null,"method":"mining.extranonce.subscribe"}`),
			want: &Request{Method: "mining.extranonce.subscribe"},
		},
		{
			name: "no method",
			data: []byte(`{"id":7}`),
			want: &Request{ID: float64(7)},
		},
		{name: "invalid json", data: []byte(`{invalid json}`), wantErr: true},
		{name: "not an object", data: []byte(`[1,2,3]`), wantErr: true},
		{name: "params not an array", data: []byte(`{"id":1,"method":"mining.submit","params":"x"}`), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeDecode) {
					t.Errorf("ParseRequest() error = %v, want decode error", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRequest() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeLine(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{"result", NewResult(1, true), `{"id":1,"result":true,"error":null}` + "\n"},
		{"error keeps null result", NewError(nil, ErrInvalidFormat), `{"id":null,"result":null,"error":"Invalid message format."}` + "\n"},
		{"auth failure", &Response{ID: 2, Result: false, Error: stringRef(ErrAuthFailed)}, `{"id":2,"result":false,"error":"Authentication failed"}` + "\n"},
		{"notification", NewNotification(MethodNotify, nil), `{"id":null,"method":"mining.notify","params":[]}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeLine(tt.msg)
			if err != nil {
				t.Fatalf("EncodeLine() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("EncodeLine() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseSubscribeRequest(t *testing.T) {
	if got := ParseSubscribeRequest([]any{"miner/1.0", "session123"}); got.UserAgent != "miner/1.0" {
		t.Errorf("UserAgent = %q", got.UserAgent)
	}
	if got := ParseSubscribeRequest(nil); got.UserAgent != "" {
		t.Errorf("UserAgent without params = %q", got.UserAgent)
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *AuthorizeRequest
		wantErr bool
	}{
		{
			name:   "valid",
			params: []any{"username", "password"},
			want: &AuthorizeRequest{
				Username: "username",
				Password: "password",
			},
		},
		{name: "insufficient parameters", params: []any{"username"}, wantErr: true},
		{name: "invalid username type", params: []any{123.0, "password"}, wantErr: true},
		{name: "empty username", params: []any{"", "password"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorizeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAuthorizeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.IsType(err, errors.ErrorTypeProtocol) {
				t.Errorf("ParseAuthorizeRequest() error = %v, want protocol error", err)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAuthorizeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubmitRequest
		wantErr bool
	}{
		{
			name:   "valid",
			params: []any{"alice.rig1", "job1", "00000001", "5a54a978", "1a2b3c4d"},
			want: &SubmitRequest{
				Worker:      "alice.rig1",
				JobID:       "job1",
				ExtraNonce2: "00000001",
				NTime:       "5a54a978",
				Nonce:       "1a2b3c4d",
			},
		},
		{
			name:    "insufficient parameters keeps what is present",
			params:  []any{"alice", "job1"},
			want:    &SubmitRequest{Worker: "alice", JobID: "job1"},
			wantErr: true,
		},
		{
			name:    "invalid parameter type",
			params:  []any{123.0, "job1", "00000001", "5a54a978", "1a2b3c4d"},
			want:    &SubmitRequest{JobID: "job1", ExtraNonce2: "00000001", NTime: "5a54a978", Nonce: "1a2b3c4d"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubmitRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}
