package stratum

import (
	"github.com/bytedance/sonic"

	"github.com/bardlex/poolcore/pkg/errors"
)

// Methods understood by the server.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodSubmit              = "mining.submit"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
)

// Error strings sent in the "error" member of a response.
const (
	ErrInvalidFormat = "Invalid message format."
	ErrUnknownMethod = "Unknown method."
	ErrAuthFailed    = "Authentication failed"
)

// Request is a client request. ID is echoed back untouched.
type Request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Response always carries both result and error; a nil Error encodes as null.
type Response struct {
	ID     any     `json:"id"`
	Result any     `json:"result"`
	Error  *string `json:"error"`
}

// Notification is a server push.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseRequest decodes one line. Anything that is not a JSON object with the
// request shape is a decode error.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := sonic.Unmarshal(line, &req); err != nil {
		return nil, errors.Decode(err, "parse_request", "malformed stratum message")
	}
	return &req, nil
}

// NewResult creates a successful response.
func NewResult(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewError creates a response with a null result.
func NewError(id any, message string) *Response {
	return &Response{ID: id, Error: &message}
}

// NewNotification creates a server push with a null id.
func NewNotification(method string, params []any) *Notification {
	if params == nil {
		params = []any{}
	}
	return &Notification{Method: method, Params: params}
}

// EncodeLine marshals v and appends the newline delimiter.
func EncodeLine(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_line", "failed to marshal stratum message")
	}
	return append(data, '\n'), nil
}

// ParseSubscribeRequest reads the optional user agent.
func ParseSubscribeRequest(params []any) *SubscribeRequest {
	return &SubscribeRequest{UserAgent: stringParam(params, 0)}
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, errors.Protocol("parse_authorize", "insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, errors.Protocol("parse_authorize", "username must be a non-empty string")
	}

	password, ok := params[1].(string)
	if !ok {
		return nil, errors.Protocol("parse_authorize", "password must be a string")
	}

	return &AuthorizeRequest{
		Username: username,
		Password: password,
	}, nil
}

// ParseSubmitRequest parses mining.submit parameters. The returned request
// is always usable: missing or non-string fields are left empty and reported
// through the error, so the share can still be recorded.
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	req := &SubmitRequest{
		Worker:      stringParam(params, 0),
		JobID:       stringParam(params, 1),
		ExtraNonce2: stringParam(params, 2),
		NTime:       stringParam(params, 3),
		Nonce:       stringParam(params, 4),
	}

	if len(params) < 5 {
		return req, errors.Protocol("parse_submit", "insufficient parameters").WithContext("count", len(params))
	}
	for i, p := range params[:5] {
		if _, ok := p.(string); !ok {
			return req, errors.Protocol("parse_submit", "parameters must be strings").WithContext("index", i)
		}
	}
	return req, nil
}

func stringParam(params []any, i int) string {
	if i >= len(params) {
		return ""
	}
	s, _ := params[i].(string)
	return s
}
