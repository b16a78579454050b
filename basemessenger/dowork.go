package basemessenger

import (
	"context"
	"time"

	"pack.ag/amqp"
)

// DoWork pumps the lifecycle state machine, (de)provisions the sender
// and receiver links, drains completed sends and received messages, and
// feeds the outbound queue. It never blocks: every AMQP attach, send,
// and receive happens in a worker goroutine whose result is observed
// here without waiting.
func (m *Messenger) DoWork() {
	m.mu.Lock()
	m.processStateChangesLocked()
	m.manageAmqpMessengersLocked()
	state := m.state
	m.mu.Unlock()

	m.dispatchReceivedLocked()

	if state == Started {
		m.queue.DoWork()
	}

	m.handleErrorsAndTimeouts()
}

// processStateChangesLocked inspects the cached sender/receiver states
// and advances/fails the lifecycle accordingly. Caller must hold m.mu.
func (m *Messenger) processStateChangesLocked() {
	now := time.Now()

	switch m.state {
	case Starting:
		if m.sender == nil && m.senderState.state == phaseIdle {
			return
		}
		switch m.senderState.state {
		case phaseOpen:
			m.setState(Started)
		case phaseOpening:
			if now.Sub(m.senderState.changedAt) > maxLinkOpenWait {
				m.cfg.Logger.Errorf("basemessenger: sender link open timed out after %s", maxLinkOpenWait)
				m.setState(Error)
			}
		case phaseError, phaseClosing, phaseIdle:
			m.cfg.Logger.Errorf("basemessenger: sender link entered state %v while starting", m.senderState.state)
			m.setState(Error)
		}
	case Started:
		if m.sender == nil || m.senderState.state != phaseOpen {
			m.cfg.Logger.Errorf("basemessenger: sender link no longer open")
			m.setState(Error)
			return
		}
		if m.receiver != nil || m.receiverCreating {
			switch m.receiverState.state {
			case phaseOpening:
				if now.Sub(m.receiverState.changedAt) > maxLinkOpenWait {
					m.cfg.Logger.Errorf("basemessenger: receiver link open timed out after %s", maxLinkOpenWait)
					m.setState(Error)
				}
			case phaseError, phaseIdle:
				m.cfg.Logger.Errorf("basemessenger: receiver link entered state %v", m.receiverState.state)
				m.setState(Error)
			}
		}
	}
}

// manageAmqpMessengersLocked creates/destroys the sender and receiver
// link pairs per the current state and the receive_messages latch.
// Caller must hold m.mu.
func (m *Messenger) manageAmqpMessengersLocked() {
	switch m.state {
	case Starting:
		if m.sender == nil && !m.senderCreating {
			m.createSenderLocked()
		}
	case Started:
		if m.receiveMessages && m.receiver == nil && !m.receiverCreating {
			m.createReceiverLocked()
		} else if !m.receiveMessages && m.receiver != nil {
			m.destroyReceiverLocked()
			if m.cfg.OnSubscriptionChange != nil {
				m.cfg.OnSubscriptionChange(false)
			}
		}
	}
}

// createSenderLocked starts the (blocking) sender-creation sequence in
// a worker goroutine. Caller must hold m.mu.
func (m *Messenger) createSenderLocked() {
	name := m.linkName(sendLinkNamePrefix)
	opts := m.senderLinkOptions(name)

	m.senderCreating = true
	m.senderState = linkState{state: phaseOpening, changedAt: time.Now()}
	session := m.session
	ctx := m.ctx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sender, err := session.NewSender(opts...)

		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case <-ctx.Done():
			if err == nil {
				sender.Close(context.Background())
			}
			return
		default:
		}
		m.senderCreating = false
		if err != nil {
			m.cfg.Logger.Warnf("basemessenger: sender creation failed: %s", err)
			m.senderState = linkState{state: phaseError, changedAt: time.Now()}
			return
		}
		m.sender = sender
		m.senderLinkName = name
		m.senderState = linkState{state: phaseOpen, changedAt: time.Now()}
	}()
}

// createReceiverLocked starts the (blocking) receiver-creation sequence
// and, once attached, launches the receive loop. Caller must hold m.mu.
func (m *Messenger) createReceiverLocked() {
	name := m.linkName(receiveLinkNamePrefix)
	opts := m.receiverLinkOptions(name)

	m.receiverCreating = true
	m.receiverState = linkState{state: phaseOpening, changedAt: time.Now()}
	session := m.session
	ctx := m.ctx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		receiver, err := session.NewReceiver(opts...)

		m.mu.Lock()
		select {
		case <-ctx.Done():
			m.mu.Unlock()
			if err == nil {
				receiver.Close(context.Background())
			}
			return
		default:
		}
		m.receiverCreating = false
		if err != nil {
			m.cfg.Logger.Warnf("basemessenger: receiver creation failed: %s", err)
			m.receiverState = linkState{state: phaseError, changedAt: time.Now()}
			m.mu.Unlock()
			return
		}
		m.receiver = receiver
		m.receiverLinkName = name
		m.receiverState = linkState{state: phaseOpen, changedAt: time.Now()}
		m.mu.Unlock()

		if m.cfg.OnSubscriptionChange != nil {
			m.cfg.OnSubscriptionChange(true)
		}

		m.wg.Add(1)
		go m.receiveLoop(ctx, receiver, name)
	}()
}

// receiveLoop runs for the lifetime of one receiver link, pushing every
// inbound message into recvCh for DoWork to dispatch. Grounded on the
// teacher's iotdevice/transport/amqp.go c2d-receive goroutine pattern.
func (m *Messenger) receiveLoop(ctx context.Context, receiver *amqp.Receiver, linkName string) {
	defer m.wg.Done()
	for {
		msg, err := receiver.Receive(ctx)
		if err != nil {
			return
		}
		select {
		case m.recvCh <- receivedEnvelope{msg: msg, linkName: linkName}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatchReceivedLocked drains recvCh without blocking and, only while
// STARTED, hands each message to the subscriber callback along with its
// disposition handle.
func (m *Messenger) dispatchReceivedLocked() {
	for {
		var env receivedEnvelope
		select {
		case env = <-m.recvCh:
		default:
			return
		}

		m.mu.Lock()
		state := m.state
		onReceived := m.onReceived
		recvCtx := m.receivedCtx
		if env.linkName != m.receiverLinkName {
			// stale message from a receiver torn down since.
			m.mu.Unlock()
			env.msg.Release()
			continue
		}
		if state != Started || onReceived == nil {
			m.mu.Unlock()
			// spec.md §3 invariant: current_state != STARTED implies the
			// user must not see messages through the subscribe callback.
			env.msg.Release()
			continue
		}
		m.nextDeliveryNum++
		num := m.nextDeliveryNum
		m.pendingDeliveries[num] = env.msg
		m.mu.Unlock()

		result := onReceived(env.msg, DispositionInfo{LinkName: env.linkName, DeliveryNumber: num}, recvCtx)
		if result == DispositionNone {
			continue
		}
		_ = m.SendMessageDisposition(DispositionInfo{LinkName: env.linkName, DeliveryNumber: num}, result)
	}
}

// handleErrorsAndTimeouts transitions to Error once the consecutive
// send-error counter meets the configured cap.
func (m *Messenger) handleErrorsAndTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Stopped && m.state != Error && m.consecutiveSendErrors >= m.cfg.MaxSendErrorCount {
		m.cfg.Logger.Errorf("basemessenger: %d consecutive send errors, giving up", m.consecutiveSendErrors)
		m.setState(Error)
	}
}

// destroySenderLocked closes and forgets the sender link, if any.
// Close failures are logged and otherwise ignored. Caller must hold m.mu.
func (m *Messenger) destroySenderLocked() {
	if m.sender != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.sender.Close(ctx); err != nil {
			m.cfg.Logger.Warnf("basemessenger: sender close failed: %s", err)
		}
		cancel()
	}
	m.sender = nil
	m.senderState = linkState{}
	m.senderCreating = false
}

// destroyReceiverLocked closes and forgets the receiver link, if any,
// and drops any undisposed deliveries it produced. Caller must hold m.mu.
func (m *Messenger) destroyReceiverLocked() {
	if m.receiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.receiver.Close(ctx); err != nil {
			m.cfg.Logger.Warnf("basemessenger: receiver close failed: %s", err)
		}
		cancel()
	}
	m.receiver = nil
	m.receiverLinkName = ""
	m.receiverState = linkState{}
	m.receiverCreating = false
	m.pendingDeliveries = map[uint64]*amqp.Message{}
}
