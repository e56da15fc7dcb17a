// Package observe reports what the dispatcher does. the client calls an
// Observer at fixed points of every hop; logging, metrics and tracing are
// Observers of their own and can be combined with Multi.
package observe

import (
	"context"
	"time"
)

// Hop identifies one request/response exchange. a redirected request
// produces one Hop per location it is sent to.
type Hop struct {
	RequestID string
	N         int // 0 for the first exchange of a request
	Kind      string
	Method    string
	URL       string
	Tunnel    bool
}

type Observer interface {
	// HopStarted is called before the connection is opened. the returned
	// context is the one the hop runs with.
	HopStarted(ctx context.Context, h Hop) context.Context
	// HopFinished is the last event of every hop, status is 0 when there
	// was no response.
	HopFinished(ctx context.Context, h Hop, status int, d time.Duration, err error)
	Redirected(ctx context.Context, h Hop, location string)
	RequestBody(ctx context.Context, h Hop, body []byte)
	ResponseBody(ctx context.Context, h Hop, body []byte)
}

type Nop struct{}

func (Nop) HopStarted(ctx context.Context, _ Hop) context.Context { return ctx }
func (Nop) HopFinished(context.Context, Hop, int, time.Duration, error) {}
func (Nop) Redirected(context.Context, Hop, string) {}
func (Nop) RequestBody(context.Context, Hop, []byte) {}
func (Nop) ResponseBody(context.Context, Hop, []byte) {}

// Multi fans every event out to all of its Observers in order.
type Multi []Observer

func (m Multi) HopStarted(ctx context.Context, h Hop) context.Context {
	for _, o := range m {
		ctx = o.HopStarted(ctx, h)
	}
	return ctx
}

func (m Multi) HopFinished(ctx context.Context, h Hop, status int, d time.Duration, err error) {
	for _, o := range m {
		o.HopFinished(ctx, h, status, d, err)
	}
}

func (m Multi) Redirected(ctx context.Context, h Hop, location string) {
	for _, o := range m {
		o.Redirected(ctx, h, location)
	}
}

func (m Multi) RequestBody(ctx context.Context, h Hop, body []byte) {
	for _, o := range m {
		o.RequestBody(ctx, h, body)
	}
}

func (m Multi) ResponseBody(ctx context.Context, h Hop, body []byte) {
	for _, o := range m {
		o.ResponseBody(ctx, h, body)
	}
}
