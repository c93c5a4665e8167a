package proxychannel

import (
	"context"
	"sync"
)

// wsOutbox is the WS-write buffer. It layers two invariants spec.md section
// 4.3 and 5 require on top of a plain byte queue:
//
//   - at most one outstanding Pong is ever queued; a fresh Ping replaces the
//     pending Pong's payload (last-ping-wins), and pongs jump ahead of
//     already-queued data frames once flushed;
//   - once a Close frame is queued, it is the last frame ever written on
//     this connection: further data pushes are rejected.
type wsOutbox struct {
	mu          sync.Mutex
	cond        *sync.Cond
	dataQueue   [][]byte
	dataSize    int
	cap         int
	pendingPong []byte
	closeFrame  []byte
	closeQueued bool
	closeSent   bool
}

func newWSOutbox(capacity int) *wsOutbox {
	o := &wsOutbox{cap: capacity}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// pushData enqueues an already-encoded data or control frame's wire bytes,
// blocking for backpressure like outbox.push. It is rejected once a Close
// has been queued.
func (o *wsOutbox) pushData(ctx context.Context, frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.dataSize > 0 && o.dataSize+len(frame) > o.cap && !o.closeQueued {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.waitOnCtx(ctx)
	}
	if o.closeQueued {
		return errOutboxClosed
	}
	o.dataQueue = append(o.dataQueue, frame)
	o.dataSize += len(frame)
	o.cond.Broadcast()
	return nil
}

// pushPong replaces any not-yet-sent pong with frame. Pongs bypass the
// backpressure cap: a control frame reply must never be starved by a full
// data queue, and it is bounded to <=125 bytes of payload by construction.
func (o *wsOutbox) pushPong(frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closeQueued {
		return
	}
	o.pendingPong = frame
	o.cond.Broadcast()
}

// pushClose queues the final frame for this connection. Subsequent
// pushData/pushPong calls are rejected or ignored. Calling it more than
// once is a no-op: only the first Close queued is ever sent.
func (o *wsOutbox) pushClose(frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closeQueued {
		return
	}
	o.closeQueued = true
	o.closeFrame = frame
	o.cond.Broadcast()
}

// closed reports whether a Close frame has already been queued.
func (o *wsOutbox) closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeQueued
}

// pop returns the next frame to write, in priority order: pending pong,
// then oldest queued data frame, then (once both are drained) the queued
// Close frame. ok is false once the Close frame has been popped.
func (o *wsOutbox) pop(ctx context.Context) (frame []byte, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.pendingPong != nil {
			frame, o.pendingPong = o.pendingPong, nil
			return frame, true
		}
		if len(o.dataQueue) > 0 {
			frame, o.dataQueue = o.dataQueue[0], o.dataQueue[1:]
			o.dataSize -= len(frame)
			o.cond.Broadcast()
			return frame, true
		}
		if o.closeQueued {
			if o.closeFrame != nil {
				frame, o.closeFrame = o.closeFrame, nil
				o.closeSent = true
				return frame, true
			}
			return nil, false
		}
		if ctx.Err() != nil {
			return nil, false
		}
		o.waitOnCtx(ctx)
	}
}

func (o *wsOutbox) waitOnCtx(ctx context.Context) {
	if ctx.Done() == nil {
		o.cond.Wait()
		return
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.cond.Broadcast()
			o.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	o.cond.Wait()
	close(stop)
	// The notifier may be blocked on o.mu; release it while waiting.
	o.mu.Unlock()
	<-done
	o.mu.Lock()
}
