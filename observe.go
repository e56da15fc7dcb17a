package dispatch

import (
	"github.com/frankli0324/go-dispatch/internal/observe"
)

type Observer = observe.Observer
type Hop = observe.Hop

// MultiObserver fans events out to several Observers.
type MultiObserver = observe.Multi

var (
	NewLogger  = observe.NewLogger
	NewMetrics = observe.NewMetrics
	NewTracer  = observe.NewTracer
)
