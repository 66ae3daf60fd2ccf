package client

import (
	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/rpc"
)

// Handlers are the platform event handlers served to remote peers. Nil
// handlers are not registered, so calling them yields "Unknown Function".
type Handlers struct {
	Fetch     messaging.Func
	Queue     messaging.Func
	Scheduled messaging.Func
	Email     messaging.Func
	Tail      messaging.Func
	Trace     messaging.Func
	Test      messaging.Func

	// Extra registers additional functions by name.
	Extra rpc.Functions
}

func (h Handlers) Functions() rpc.Functions {
	fns := rpc.Functions{}
	for name, fn := range h.Extra {
		fns[name] = fn
	}
	for name, fn := range map[string]messaging.Func{
		rpc.HandlerFetch:     h.Fetch,
		rpc.HandlerQueue:     h.Queue,
		rpc.HandlerScheduled: h.Scheduled,
		rpc.HandlerEmail:     h.Email,
		rpc.HandlerTail:      h.Tail,
		rpc.HandlerTrace:     h.Trace,
		rpc.HandlerTest:      h.Test,
	} {
		if fn != nil {
			fns[name] = fn
		}
	}
	return fns
}
