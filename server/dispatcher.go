package server

import (
	"log"

	"legacychat/protocol"
	"legacychat/store"
)

// Actions understood by the dispatcher.
const (
	ActionSignup      = "signup"
	ActionLogin       = "login"
	ActionAddBuddy    = "add_buddy"
	ActionSendMessage = "send_message"
	ActionSendFile    = "send_file"
	ActionGetMessages = "get_messages"
)

const (
	msgUnknownAction = "Unknown action"
	msgInvalidJSON   = "Invalid JSON"
	msgInternalError = "Internal error"
	msgTooLarge      = "Request too large"
	msgBusy          = "Server is busy"
)

type handlerFunc func(req protocol.Request) protocol.Response

// Dispatcher maps one decoded request to one store operation. It holds no
// per-connection state and is safe for concurrent use.
type Dispatcher struct {
	store    store.Store
	metrics  *Metrics
	handlers map[string]handlerFunc
}

func NewDispatcher(st store.Store, metrics *Metrics) *Dispatcher {
	d := &Dispatcher{store: st, metrics: metrics}
	d.handlers = map[string]handlerFunc{
		ActionSignup:      d.handleSignup,
		ActionLogin:       d.handleLogin,
		ActionAddBuddy:    d.handleAddBuddy,
		ActionSendMessage: d.handleSendMessage,
		ActionSendFile:    d.handleSendFile,
		ActionGetMessages: d.handleGetMessages,
	}
	return d
}

// Dispatch always returns a response; failures are reported in-band.
func (d *Dispatcher) Dispatch(req protocol.Request) (resp protocol.Response) {
	action := req.Action()
	handler, ok := d.handlers[action]
	label := action
	if !ok {
		label = "unknown"
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic while handling %q: %v", action, r)
			resp = protocol.Failure(msgInternalError)
		}
		d.metrics.request(label, resp.Status)
	}()

	if !ok {
		return protocol.Failure(msgUnknownAction)
	}
	return handler(req)
}

// required reports whether every named field is a non-empty string.
func required(req protocol.Request, fields ...string) bool {
	for _, f := range fields {
		if req.String(f) == "" {
			return false
		}
	}
	return true
}

func internalError(action string, err error) protocol.Response {
	log.Printf("%s error: %v", action, err)
	return protocol.Failure(msgInternalError)
}
