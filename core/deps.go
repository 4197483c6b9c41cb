package core

import "pkt.systems/pslog"

// SessionDeps captures optional collaborators for a browser session. Nil
// fields are replaced by the production implementations.
type SessionDeps struct {
	Transport Transport
	Prober    EndpointProber
	Starter   ProcessStarter
	Logger    pslog.Logger
}
