package twinclient

import (
	"time"

	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/basemessenger"
)

// DoWork drains pending patches, drives the subscription state
// machine, sweeps both lists for timeouts, then pumps the underlying
// messenger, per spec.md §4.4's do_work ordering.
func (c *Client) DoWork() {
	c.mu.Lock()
	state := c.state
	if state == Started {
		c.drainPendingPatchesLocked()
		c.driveSubscriptionLocked()
	}
	c.mu.Unlock()

	if state == Started {
		c.sweepTimeouts()
	}

	c.messenger.DoWork()
}

func (c *Client) drainPendingPatchesLocked() {
	patches := c.pendingPatches
	c.pendingPatches = nil
	for _, p := range patches {
		op := &operationRecord{
			kind:          opPatch,
			correlationID: c.nextCorrelationIDLocked(),
			sentAt:        time.Now(),
			patchCB:       p.cb,
			patchCtx:      p.ctx,
		}
		c.operations = append(c.operations, op)
		c.sendOperationLocked(op, p.buf)
	}
}

// driveSubscriptionLocked issues the next GET/PUT/DELETE resend for the
// subscription handshake. After a timeout/error revert (subErrorCount >
// 0), it withholds the resend until retryBackoff(subErrorCount) has
// elapsed since the last attempt, so a stuck hub isn't hammered every
// do_work tick. Caller must hold c.mu.
func (c *Client) driveSubscriptionLocked() {
	if c.subErrorCount > 0 && time.Since(c.lastSubAttemptAt) < c.retryBackoff(c.subErrorCount) {
		return
	}
	switch c.subState {
	case getCompleteProperties:
		op := &operationRecord{kind: opGet, correlationID: c.nextCorrelationIDLocked(), sentAt: time.Now()}
		c.operations = append(c.operations, op)
		c.sendOperationLocked(op, nil)
		c.subState = gettingCompleteProperties
		c.lastSubAttemptAt = time.Now()
	case subscribeForUpdates:
		op := &operationRecord{kind: opPut, correlationID: c.nextCorrelationIDLocked(), sentAt: time.Now()}
		c.operations = append(c.operations, op)
		c.sendOperationLocked(op, nil)
		c.subState = subscribing
		c.lastSubAttemptAt = time.Now()
	case unsubscribe:
		op := &operationRecord{kind: opDelete, correlationID: c.nextCorrelationIDLocked(), sentAt: time.Now()}
		c.operations = append(c.operations, op)
		c.sendOperationLocked(op, nil)
		c.subState = unsubscribing
		c.lastSubAttemptAt = time.Now()
	}
}

// sendOperationLocked dispatches op's request message through the
// messenger. A synchronous enqueue failure or an async send failure
// both complete op immediately, as the timeout sweep would: the
// synchronous branch reports SendError/REASON_FAIL_SENDING, the async
// branch passes on the messenger's result and reason. An async failure
// for an op that a response, the timeout sweep or Destroy has already
// completed is ignored. Caller must hold c.mu; the async branch
// re-acquires it from the messenger's own completion goroutine, which
// never runs on this call's stack.
func (c *Client) sendOperationLocked(op *operationRecord, body []byte) error {
	msg := encodeRequest(op.kind, op.correlationID, body)
	err := c.messenger.SendAsync(msg, func(result basemessenger.SendResult, reason basemessenger.Reason, _ interface{}) {
		if result == basemessenger.SendSuccess {
			return
		}
		c.mu.Lock()
		live := false
		for _, cur := range c.operations {
			if cur == op {
				live = true
				break
			}
		}
		if !live {
			c.mu.Unlock()
			return
		}
		c.removeOperationLocked(op)
		c.failOperationLocked(op)
		c.mu.Unlock()
		switch op.kind {
		case opPatch:
			op.patchCB(result, reason, 0, op.patchCtx)
		case opGetOnDemand:
			op.getCB(Complete, nil, op.getCtx)
		}
	}, nil)
	if err != nil {
		c.removeOperationLocked(op)
		c.failOperationLocked(op)
		if op.kind == opPatch {
			c.mu.Unlock()
			op.patchCB(basemessenger.SendError, basemessenger.ReasonFailSending, 0, op.patchCtx)
			c.mu.Lock()
		}
	}
	return err
}

// removeOperationLocked deletes op from the in-flight list if still
// present. Caller must hold c.mu.
func (c *Client) removeOperationLocked(op *operationRecord) {
	for i, cur := range c.operations {
		if cur == op {
			c.operations = append(c.operations[:i], c.operations[i+1:]...)
			return
		}
	}
}

// failOperationLocked applies the subscription-state reversion the
// timeout sweep also uses, for a GET/PUT/DELETE operation that could
// not be sent or was rejected. PATCH/GET_ON_DEMAND callbacks are
// invoked by the caller, outside the lock. Caller must hold c.mu.
func (c *Client) failOperationLocked(op *operationRecord) {
	if op.kind != opPatch && op.kind != opGetOnDemand {
		c.bumpSubscriptionErrorLocked(op.kind)
	}
}

// bumpSubscriptionErrorLocked reverts the subscription handshake one
// step and increments its error budget, tripping Error at 3. Caller
// must hold c.mu.
func (c *Client) bumpSubscriptionErrorLocked(kind opKind) {
	switch kind {
	case opGet:
		c.subState = getCompleteProperties
	case opPut:
		c.subState = subscribeForUpdates
	case opDelete:
		c.subState = unsubscribe
	}
	c.subErrorCount++
	if c.subErrorCount >= maxSubscriptionErrorCount {
		c.setState(Error)
	}
}

// sweepTimeouts completes every pending patch and in-flight operation
// whose age exceeds the fixed 300s limit.
func (c *Client) sweepTimeouts() {
	now := time.Now()

	c.mu.Lock()
	var expiredPatches []*patchRecord
	var stillPending []*patchRecord
	for _, p := range c.pendingPatches {
		if now.Sub(p.enqueuedAt) > patchTimeout {
			expiredPatches = append(expiredPatches, p)
		} else {
			stillPending = append(stillPending, p)
		}
	}
	c.pendingPatches = stillPending

	var expiredOps []*operationRecord
	var stillInFlight []*operationRecord
	for _, op := range c.operations {
		if now.Sub(op.sentAt) > operationTimeout {
			expiredOps = append(expiredOps, op)
		} else {
			stillInFlight = append(stillInFlight, op)
		}
	}
	c.operations = stillInFlight

	for _, op := range expiredOps {
		if op.kind != opPatch && op.kind != opGetOnDemand {
			c.bumpSubscriptionErrorLocked(op.kind)
		}
	}
	c.mu.Unlock()

	for _, p := range expiredPatches {
		p.cb(basemessenger.SendError, basemessenger.ReasonTimeout, 0, p.ctx)
	}
	for _, op := range expiredOps {
		switch op.kind {
		case opPatch:
			op.patchCB(basemessenger.SendError, basemessenger.ReasonTimeout, 0, op.patchCtx)
		case opGetOnDemand:
			op.getCB(Complete, nil, op.getCtx)
		}
	}
}

// onReceived is the messenger's OnReceived callback: it decodes the
// inbound twin message and routes it either to a matching in-flight
// operation or, if correlation-less and body-carrying, to the
// desired-properties delta callback.
func (c *Client) onReceived(msg *amqp.Message, _ basemessenger.DispositionInfo, ctx interface{}) basemessenger.DispositionResult {
	self := ctx.(*Client)

	resp, err := decodeResponse(msg)
	if err != nil {
		return basemessenger.DispositionRejected
	}

	if resp.correlationID == "" {
		if len(resp.body) > 0 {
			self.mu.Lock()
			cb, ctx := self.onUpdate, self.onUpdateCtx
			self.mu.Unlock()
			if cb != nil {
				cb(Partial, resp.body, ctx)
			}
		}
		return basemessenger.DispositionAccepted
	}

	self.mu.Lock()
	var op *operationRecord
	for i, cur := range self.operations {
		if cur.correlationID == resp.correlationID {
			op = cur
			self.operations = append(self.operations[:i], self.operations[i+1:]...)
			break
		}
	}
	if op == nil {
		self.mu.Unlock()
		return basemessenger.DispositionAccepted
	}

	switch op.kind {
	case opGet, opGetOnDemand:
		cb, updateType, body, cbCtx := self.handleGetResponseLocked(op, resp)
		self.mu.Unlock()
		if cb != nil {
			cb(updateType, body, cbCtx)
		}
		return basemessenger.DispositionAccepted
	case opPut:
		self.handlePutResponseLocked(resp)
	case opDelete:
		self.handleDeleteResponseLocked(resp)
	case opPatch:
		self.mu.Unlock()
		status := 0
		if resp.hasStatus {
			status = resp.status
		}
		op.patchCB(basemessenger.SendSuccess, basemessenger.ReasonNone, status, op.patchCtx)
		return basemessenger.DispositionAccepted
	}
	self.mu.Unlock()
	return basemessenger.DispositionAccepted
}

// handleGetResponseLocked implements both the subscription handshake's
// own GET and an on-demand GetTwinAsync GET. It only mutates state and
// returns the callback to invoke; the caller unlocks c.mu before
// calling it, so a reentrant callback (e.g. one that calls
// GetTwinAsync/Subscribe/Unsubscribe/ReportStateAsync) never deadlocks.
// Caller must hold c.mu.
func (c *Client) handleGetResponseLocked(op *operationRecord, resp response) (cb StateUpdated, updateType UpdateType, body []byte, ctx interface{}) {
	if op.kind == opGetOnDemand {
		return op.getCB, Complete, resp.body, op.getCtx
	}
	if len(resp.body) > 0 {
		c.subState = subscribeForUpdates
		c.subErrorCount = 0
		return c.onUpdate, Complete, resp.body, c.onUpdateCtx
	}
	c.bumpSubscriptionErrorLocked(opGet)
	return nil, Complete, nil, nil
}

func (c *Client) handlePutResponseLocked(resp response) {
	if resp.hasStatus && is2xx(resp.status) {
		c.subState = subscribed
		c.subErrorCount = 0
	} else {
		c.bumpSubscriptionErrorLocked(opPut)
	}
}

func (c *Client) handleDeleteResponseLocked(resp response) {
	if resp.hasStatus && is2xx(resp.status) {
		c.subState = notSubscribed
		c.subErrorCount = 0
	} else {
		c.bumpSubscriptionErrorLocked(opDelete)
	}
}
