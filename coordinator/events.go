package coordinator

import (
	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/transport"
)

// peer is the coordinator's view of one connection: an outbox the actor
// pushes to without blocking. The connection's own goroutine drains it.
type peer struct {
	id     uint64
	outbox *transport.Queue
}

func newPeer(id uint64) *peer {
	return &peer{id: id, outbox: transport.NewQueue()}
}

type outcome struct {
	resp *messaging.HTTPResponse
	err  error
}

// waiter is an outstanding public request. Only the actor reads or writes
// id.
type waiter struct {
	id     uint64
	result chan outcome
}

type event interface{}

type (
	reserveLocal struct {
		reply chan *peer
	}
	localFrame struct {
		local *peer
		frame []byte
	}
	localClosed struct {
		local *peer
	}
	reserveTxn struct {
		reply chan *peer
	}
	remoteFrame struct {
		txn   uint64
		frame []byte
	}
	txnClosed struct {
		txn uint64
	}
	publicRequest struct {
		req    *messaging.HTTPRequest
		waiter *waiter
	}
	cancelRequest struct {
		waiter *waiter
	}
	statsRequest struct {
		reply chan Stats
	}
)

// Stats is a snapshot of the actor's state.
type Stats struct {
	LocalConnected bool   `json:"localConnected"`
	Transactions   int    `json:"transactions"`
	Requests       int    `json:"requests"`
	NextTxn        uint64 `json:"nextTxn"`
	NextRequest    uint64 `json:"nextRequest"`
}
