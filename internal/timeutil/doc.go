// Package timeutil provides Timer, a one-shot callback timer whose Stop
// reliably cancels the callback.
//
// Timer is used by the transaction layer to drive the RFC 3261 retransmission and
// timeout timers:
//
//	t := timeutil.AfterFunc(500*time.Millisecond, func() {
//	    // enqueue timer command
//	})
//	defer t.Stop()
//
// All Timer methods are safe for concurrent use.
package timeutil
