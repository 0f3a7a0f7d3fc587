// Package driver runs the periodic Tick loop that delivers queued network
// events to callbacks on a single goroutine.
package driver

import (
	"context"
	"time"
)

// MaxEventsPerTick bounds how many events one ticker may deliver per
// interval, so a busy component cannot starve the others.
const MaxEventsPerTick = 1024

// Ticker delivers at most one queued event per call and reports whether it
// did. tcpclient.Session, tcpserver.Server, discovery.Broadcaster and
// discovery.Responder all satisfy it.
type Ticker interface {
	Tick() bool
}

// TickFunc adapts a function to Ticker.
type TickFunc func() bool

func (f TickFunc) Tick() bool {
	return f()
}

// Drain ticks each ticker until it has nothing left or MaxEventsPerTick is
// reached.
//
// Returns:
//   - The number of events delivered
func Drain(tickers ...Ticker) int {
	delivered := 0

	for _, t := range tickers {
		for range MaxEventsPerTick {
			if !t.Tick() {
				break
			}
			delivered++
		}
	}

	return delivered
}

// Run drains tickers every interval until ctx is done, then drains once more
// so events queued by shutdown are delivered. It returns nil when ctx ends.
//
// Example:
//
//	g.Go(func() error { return driver.Run(ctx, 20*time.Millisecond, server, responder) })
func Run(ctx context.Context, interval time.Duration, tickers ...Ticker) error {
	if interval <= 0 {
		interval = time.Millisecond
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			Drain(tickers...)
			return nil
		case <-t.C:
			Drain(tickers...)
		}
	}
}
