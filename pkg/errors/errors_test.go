package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "with cause",
			err: &ServiceError{
				Type:      ErrorTypeStore,
				Operation: "insert_job",
				Message:   "write failed",
				Cause:     errors.New("disk full"),
			},
			expected: "store: insert_job: write failed: disk full",
		},
		{
			name: "without cause",
			err: &ServiceError{
				Type:      ErrorTypeProtocol,
				Operation: "parse_request",
				Message:   "invalid message format",
			},
			expected: "protocol: parse_request: invalid message format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("broker down")
	err := Wrap(cause, ErrorTypeTransport, "publish", "publish failed")

	if err.Type != ErrorTypeTransport {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeTransport)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause with errors.Is")
	}
	if !err.Retryable {
		t.Error("transport errors should be retryable")
	}

	if Wrap(nil, ErrorTypeStore, "op", "msg") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrap_PreservesInnerRetryability(t *testing.T) {
	inner := New(ErrorTypeDecode, "decode_hex", "odd length")
	outer := Wrap(inner, ErrorTypeTransport, "consume", "bad payload")

	if outer.Retryable {
		t.Error("retryability of the inner ServiceError should win")
	}
	if !IsType(outer, ErrorTypeDecode) {
		t.Error("IsType should find the inner decode error")
	}
}

func TestWithContext(t *testing.T) {
	err := Store(errors.New("constraint"), "insert_share", "insert failed").
		WithContext("job_id", "abc").
		WithContext("attempt", 2)

	ctx := GetContext(err)
	if len(ctx) != 2 {
		t.Fatalf("expected 2 context entries, got %d", len(ctx))
	}
	if ctx["job_id"] != "abc" || ctx["attempt"] != 2 {
		t.Errorf("unexpected context %v", ctx)
	}

	if GetContext(errors.New("plain")) != nil {
		t.Error("plain errors carry no context")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *ServiceError
		wantType  ErrorType
		retryable bool
	}{
		{"protocol", Protocol("dispatch", "unknown method"), ErrorTypeProtocol, false},
		{"auth", Auth("authorize", "bad password"), ErrorTypeAuth, false},
		{"decode without cause", Decode(nil, "hex", "odd length"), ErrorTypeDecode, false},
		{"decode with cause", Decode(errors.New("invalid byte"), "hex", "bad hex"), ErrorTypeDecode, false},
		{"store", Store(errors.New("constraint failed"), "insert", "dup"), ErrorTypeStore, false},
		{"store transient", Store(errors.New("database is locked"), "insert", "busy"), ErrorTypeStore, true},
		{"transport", Transport(errors.New("eof"), "read", "read failed"), ErrorTypeTransport, true},
		{"transport cancelled", Transport(context.Canceled, "read", "stopped"), ErrorTypeTransport, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", tt.err.Type, tt.wantType)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if tt.err.Timestamp.IsZero() {
				t.Error("Timestamp should be set")
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"timeout type", New(ErrorTypeTimeout, "poll", "deadline"), true},
		{"validation type", New(ErrorTypeValidation, "difficulty", "negative"), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"wrapped plain", fmt.Errorf("publish: %w", errors.New("i/o timeout")), true},
		{"unknown", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIsType(t *testing.T) {
	err := Auth("authorize", "unknown miner")

	if !IsType(err, ErrorTypeAuth) {
		t.Error("expected auth type to match")
	}
	if IsType(err, ErrorTypeStore) {
		t.Error("store type should not match")
	}
	if IsType(errors.New("plain"), ErrorTypeAuth) {
		t.Error("plain errors have no type")
	}
	if !IsType(fmt.Errorf("outer: %w", err), ErrorTypeAuth) {
		t.Error("IsType should see through fmt wrapping")
	}
}
