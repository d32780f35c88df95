package pscull

import (
	"sync/atomic"

	"github.com/FerroO2000/pscull/internal/rb"
)

// NotifySink receives the asynchronous notifications of a device.
// Notify is called once per successful write, after the device guard
// has been released, and must not block.
type NotifySink = rb.NotifySink

// SinkFunc adapts a function to a NotifySink.
type SinkFunc func(band Readiness)

// Notify calls f.
func (f SinkFunc) Notify(band Readiness) {
	f(band)
}

// SignalSink delivers notifications as signals on a channel.
// Like SIGIO, pending signals are coalesced: a signal sent while the previous
// one has not been received yet is merged into it.
type SignalSink struct {
	ch      chan struct{}
	pending atomic.Uint32
}

// NewSignalSink returns a new signal sink.
func NewSignalSink() *SignalSink {
	return &SignalSink{
		ch: make(chan struct{}, 1),
	}
}

// Notify sends a signal without blocking.
func (ss *SignalSink) Notify(band Readiness) {
	ss.pending.Or(uint32(band))

	select {
	case ss.ch <- struct{}{}:
	default:
	}
}

// C returns the channel the signals are delivered on.
func (ss *SignalSink) C() <-chan struct{} {
	return ss.ch
}

// Pending returns and clears the bands notified since the last call.
func (ss *SignalSink) Pending() Readiness {
	return Readiness(ss.pending.Swap(0))
}
