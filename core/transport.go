package core

import (
	"context"
	"time"

	"pkt.systems/browserwatch/schema"
)

// Transport issues remote-debugging commands against the connected browser.
// Implementations surface transport errors as-is.
type Transport interface {
	ListTargets(ctx context.Context) ([]schema.TargetInfo, error)
	CreateTarget(ctx context.Context, url string) (schema.TargetID, error)
	NavigateTarget(ctx context.Context, id schema.TargetID, url string) error
	CloseTarget(ctx context.Context, id schema.TargetID) error
	EvaluateScript(ctx context.Context, id schema.TargetID, source string) error
}

// EndpointProber waits for the debugging endpoint of a freshly started browser.
type EndpointProber interface {
	WaitForEndpointReady(ctx context.Context, port int, timeout time.Duration) (string, error)
}

// Connector is implemented by transports that attach to a running browser
// and report protocol events through emit. emit must not block.
type Connector interface {
	Connect(ctx context.Context, endpoint string, emit func(schema.Event)) error
	Close()
}
