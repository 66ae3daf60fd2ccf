package messaging

import "fmt"

var (
	ErrMalformedMessage = fmt.Errorf("malformed message")
)

// MessageType is the "type" discriminator of every frame.
type MessageType string

const (
	MessageUnknown      MessageType = ""
	MessageCall         MessageType = "call"
	MessageCallback     MessageType = "callback"
	MessageResult       MessageType = "result"
	MessageError        MessageType = "error"
	MessageHTTPRequest  MessageType = "http-request"
	MessageHTTPResponse MessageType = "http-response"
)

// CoordinatorTxn addresses the coordinator itself inside an Envelope.
const CoordinatorTxn uint64 = 0
