package dispatch

import (
	"sync"

	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/model"
)

// ApiHandler is a stateless request handler registered on an Api node,
// keyed by msg_id (spec.md §1 "Api nodes that run stateless request
// handlers"). Unlike a Stage's OnDispatch, it runs with no owning loop — a
// handler that needs to call back into the fleet does so through the
// ApiSender it receives.
type ApiHandler func(payload []byte, sender contract.ApiSender) (model.ErrorCode, []byte)

// apiHandlerRegistry holds the msg_id -> ApiHandler bindings for one Api
// node. Mirrors Registry's shape (internal/dispatch/registry.go), keyed by
// msg_id instead of stage_type since an Api node has no Stages to key by.
type apiHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ApiHandler
}

func newAPIHandlerRegistry() *apiHandlerRegistry {
	return &apiHandlerRegistry{handlers: make(map[string]ApiHandler)}
}

func (r *apiHandlerRegistry) register(msgID string, h ApiHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgID] = h
}

func (r *apiHandlerRegistry) lookup(msgID string) (ApiHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[msgID]
	return h, ok
}

// RegisterApiHandler binds a stateless handler to msg_id on an Api node.
// Inbound packets with stage_id 0 and a matching msg_id are dispatched here
// instead of going through the Stage registry.
func (d *Dispatcher) RegisterApiHandler(msgID string, h ApiHandler) {
	d.apiHandlers.register(msgID, h)
}

// runApiHandler executes a registered handler on its own goroutine — an Api
// node has no per-Stage loop to serialize against — and delivers the result
// through reply.
func (d *Dispatcher) runApiHandler(h ApiHandler, pkt model.Packet, reply func(model.ErrorCode, []byte)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("api handler panic", "msg_id", pkt.MsgID, "panic", r)
				reply(model.InternalError, nil)
			}
		}()
		ec, payload := h(pkt.Payload, d.NewApiSender())
		reply(ec, payload)
	}()
}
