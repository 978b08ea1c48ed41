// Package transport implements the message boundary between the coordinator
// and the engine's execution context.  The boundary offers ordering only
// within a single sender and no native cancellation: the receiving side keeps
// a sequence watermark and silently drops requests below it.
package transport

import "github.com/JoMe92/quickfix-coordinator/core"

// Kind identifies a message type on the boundary.
type Kind string

const (
	KindInit     Kind = "INIT"
	KindSetImage Kind = "SET_IMAGE"
	KindRender   Kind = "RENDER"
	KindCancel   Kind = "CANCEL"
	KindDispose  Kind = "DISPOSE"
)

// Message is a request crossing the boundary toward the engine.  Exactly one
// payload field is set, matching Kind.
type Message struct {
	Kind    Kind
	Seq     uint64
	Options *core.EngineOptions // KindInit
	Image   *core.LoadedImage   // KindSetImage
	Request *core.RenderRequest // KindRender
}

// Response is the engine side's reply.  Stale marks a request dropped by the
// watermark check; it carries no payload and no error.
type Response struct {
	Seq   uint64
	Stale bool
	Info  *core.BackendInfo
	Frame *core.Frame
	Err   error
}
