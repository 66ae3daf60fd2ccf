package messaging

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one of the frame variants below.
type Message interface {
	zapcore.ObjectMarshaler
	Type() MessageType
}

// Call asks the peer to invoke a registered function.
type Call struct {
	CallID   uint64
	Function string
	Args     []Value
}

// Callback asks the peer to invoke a function it passed as an argument of
// call CallID. The response is correlated by ReplyID, which the sender
// allocates from its own call counter.
type Callback struct {
	CallID      uint64
	FunctionRef Ref
	ReplyID     uint64
	Args        []Value
}

// Result resolves the call CallID.
type Result struct {
	CallID uint64
	Value  Value
}

// Error rejects the call CallID. Only the message crosses the wire.
type Error struct {
	CallID  uint64
	Message string
}

// HTTPRequest carries a public HTTP request to the local peer. Body is
// base64 encoded.
type HTTPRequest struct {
	ID      uint64
	Method  string
	URL     string
	Headers Headers
	Body    string
}

// HTTPResponse answers HTTPRequest ID.
type HTTPResponse struct {
	ID         uint64
	Status     int
	StatusText string
	Headers    Headers
	Body       string
}

// Unknown is produced when decoding a frame with an unrecognized type. It
// is never an error; consumers log and drop it.
type Unknown struct {
	Tag string
}

var (
	_ Message = (*Call)(nil)
	_ Message = (*Callback)(nil)
	_ Message = (*Result)(nil)
	_ Message = (*Error)(nil)
	_ Message = (*HTTPRequest)(nil)
	_ Message = (*HTTPResponse)(nil)
	_ Message = (*Unknown)(nil)
)

func (*Call) Type() MessageType         { return MessageCall }
func (*Callback) Type() MessageType     { return MessageCallback }
func (*Result) Type() MessageType       { return MessageResult }
func (*Error) Type() MessageType        { return MessageError }
func (*HTTPRequest) Type() MessageType  { return MessageHTTPRequest }
func (*HTTPResponse) Type() MessageType { return MessageHTTPResponse }
func (*Unknown) Type() MessageType      { return MessageUnknown }

func (m *Call) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(MessageCall))
	enc.AddUint64("callId", m.CallID)
	enc.AddString("functionName", m.Function)
	enc.AddInt("args", len(m.Args))
	return nil
}

func (m *Callback) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(MessageCallback))
	enc.AddUint64("callId", m.CallID)
	enc.AddInt("functionRef", int(m.FunctionRef))
	enc.AddUint64("replyId", m.ReplyID)
	enc.AddInt("args", len(m.Args))
	return nil
}

func (m *Result) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(MessageResult))
	enc.AddUint64("callId", m.CallID)
	return nil
}

func (m *Error) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(MessageError))
	enc.AddUint64("callId", m.CallID)
	enc.AddString("message", m.Message)
	return nil
}

func (m *HTTPRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(MessageHTTPRequest))
	enc.AddUint64("id", m.ID)
	enc.AddString("method", m.Method)
	enc.AddString("url", m.URL)
	return nil
}

func (m *HTTPResponse) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", string(MessageHTTPResponse))
	enc.AddUint64("id", m.ID)
	enc.AddInt("status", m.Status)
	return nil
}

func (m *Unknown) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", m.Tag)
	return nil
}

type wireCall struct {
	Type     MessageType   `json:"type"`
	CallID   uint64        `json:"callId"`
	Function string        `json:"functionName"`
	Args     []interface{} `json:"args"`
}

type wireCallback struct {
	Type        MessageType   `json:"type"`
	CallID      uint64        `json:"callId"`
	FunctionRef int           `json:"functionRef"`
	ReplyID     uint64        `json:"replyId"`
	Args        []interface{} `json:"args"`
}

type wireResult struct {
	Type   MessageType `json:"type"`
	CallID uint64      `json:"callId"`
	Value  interface{} `json:"value"`
}

type wireError struct {
	Type    MessageType `json:"type"`
	CallID  uint64      `json:"callId"`
	Message string      `json:"message"`
}

type wireHTTPRequest struct {
	Type    MessageType `json:"type"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers Headers     `json:"headers"`
	Body    string      `json:"body,omitempty"`
}

type wireHTTPResponse struct {
	Type       MessageType `json:"type"`
	ID         uint64      `json:"id"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    Headers     `json:"headers"`
	Body       string      `json:"body,omitempty"`
}

// peek is the minimal shape shared by every frame.
type peek struct {
	Type   MessageType `json:"type"`
	CallID uint64      `json:"callId"`
	ID     uint64      `json:"id"`
}

func argsToWire(args []Value) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		w, err := toWire(a)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out[i] = w
	}
	return out, nil
}

func argsFromWire(args []interface{}) ([]Value, error) {
	out := make([]Value, len(args))
	for i, a := range args {
		v, err := fromWire(a)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// Encode serializes m. Func values must have been replaced with Refs.
func Encode(m Message) ([]byte, error) {
	var w interface{}
	switch t := m.(type) {
	case *Call:
		args, err := argsToWire(t.Args)
		if err != nil {
			return nil, err
		}
		w = wireCall{Type: MessageCall, CallID: t.CallID, Function: t.Function, Args: args}
	case *Callback:
		args, err := argsToWire(t.Args)
		if err != nil {
			return nil, err
		}
		w = wireCallback{Type: MessageCallback, CallID: t.CallID, FunctionRef: int(t.FunctionRef), ReplyID: t.ReplyID, Args: args}
	case *Result:
		v, err := toWire(t.Value)
		if err != nil {
			return nil, errors.Wrap(err, "result value")
		}
		w = wireResult{Type: MessageResult, CallID: t.CallID, Value: v}
	case *Error:
		w = wireError{Type: MessageError, CallID: t.CallID, Message: t.Message}
	case *HTTPRequest:
		w = wireHTTPRequest{Type: MessageHTTPRequest, ID: t.ID, Method: t.Method, URL: t.URL, Headers: nonNil(t.Headers), Body: t.Body}
	case *HTTPResponse:
		w = wireHTTPResponse{Type: MessageHTTPResponse, ID: t.ID, Status: t.Status, StatusText: t.StatusText, Headers: nonNil(t.Headers), Body: t.Body}
	default:
		return nil, errors.Errorf("cannot encode message %T", m)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "encoding message")
	}
	return b, nil
}

func nonNil(h Headers) Headers {
	if h == nil {
		return Headers{}
	}
	return h
}

// Decode parses a frame. An unrecognized type yields *Unknown and no error;
// only malformed JSON or a malformed known variant is an error.
func Decode(b []byte) (Message, error) {
	var p peek
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	switch p.Type {
	case MessageCall:
		var w wireCall
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		args, err := argsFromWire(w.Args)
		if err != nil {
			return nil, err
		}
		return &Call{CallID: w.CallID, Function: w.Function, Args: args}, nil
	case MessageCallback:
		var w wireCallback
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		args, err := argsFromWire(w.Args)
		if err != nil {
			return nil, err
		}
		return &Callback{CallID: w.CallID, FunctionRef: Ref(w.FunctionRef), ReplyID: w.ReplyID, Args: args}, nil
	case MessageResult:
		var w wireResult
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		v, err := fromWire(w.Value)
		if err != nil {
			return nil, err
		}
		return &Result{CallID: w.CallID, Value: v}, nil
	case MessageError:
		var w wireError
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return &Error{CallID: w.CallID, Message: w.Message}, nil
	case MessageHTTPRequest:
		var w wireHTTPRequest
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return &HTTPRequest{ID: w.ID, Method: w.Method, URL: w.URL, Headers: w.Headers, Body: w.Body}, nil
	case MessageHTTPResponse:
		var w wireHTTPResponse
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return &HTTPResponse{ID: w.ID, Status: w.Status, StatusText: w.StatusText, Headers: w.Headers, Body: w.Body}, nil
	default:
		return &Unknown{Tag: string(p.Type)}, nil
	}
}

// Peek reads the type and correlation id of a frame without decoding its
// payload. For call frames the id is the callId, for HTTP frames the id.
func Peek(b []byte) (MessageType, uint64, error) {
	var p peek
	if err := json.Unmarshal(b, &p); err != nil {
		return MessageUnknown, 0, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	switch p.Type {
	case MessageHTTPRequest, MessageHTTPResponse:
		return p.Type, p.ID, nil
	default:
		return p.Type, p.CallID, nil
	}
}
