package quickfix

import "github.com/JoMe92/quickfix-coordinator/core"

// Inner exposes the underlying core.Coordinator for advanced use (e.g.,
// direct sequence inspection in tests).  Prefer the high-level API for
// normal usage.
func (s *Session) Inner() *core.Coordinator { return s.inner }
