package messaging

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// Envelope frames every message on the local <-> coordinator connection.
// Txn names the remote transaction the message belongs to, or
// CoordinatorTxn for public HTTP traffic. Msg is relayed byte for byte.
// Closed without Msg tells the local peer that a transaction ended.
type Envelope struct {
	Txn    uint64              `json:"txn"`
	Msg    jsoniter.RawMessage `json:"msg,omitempty"`
	Closed bool                `json:"closed,omitempty"`
}

var _ zapcore.ObjectMarshaler = Envelope{}

func (e Envelope) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("txn", e.Txn)
	enc.AddInt("size", len(e.Msg))
	enc.AddBool("closed", e.Closed)
	return nil
}

// Wrap builds the frame for msg addressed to txn.
func Wrap(txn uint64, msg []byte) ([]byte, error) {
	b, err := json.Marshal(Envelope{Txn: txn, Msg: msg})
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope")
	}
	return b, nil
}

// WrapClosed builds the transaction closed notification for txn.
func WrapClosed(txn uint64) []byte {
	b, _ := json.Marshal(Envelope{Txn: txn, Closed: true})
	return b
}

// Unwrap parses an envelope frame.
func Unwrap(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return e, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if len(e.Msg) == 0 && !e.Closed {
		return e, errors.Wrap(ErrMalformedMessage, "envelope without message")
	}
	return e, nil
}
