package basemessenger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/iotutil"
	"github.com/amenzhinsky/iothub-messenger/messagequeue"
)

const (
	sendLinkNamePrefix    = "link-snd"
	receiveLinkNamePrefix = "link-rcv"

	senderMaxMessageSize   = ^uint64(0)
	receiverMaxMessageSize = 65536

	defaultEventSendRetryLimit = 0
	defaultEventSendTimeout    = 600 * time.Second
	defaultMaxSendErrorCount   = 10

	maxLinkOpenWait = 300 * time.Second
)

// DispositionInfo identifies one delivery for send_message_disposition,
// spec.md §3.
type DispositionInfo struct {
	LinkName       string
	DeliveryNumber uint64
}

// OnReceived is invoked once per inbound message while the messenger is
// STARTED. The returned DispositionResult is translated into the AMQP
// outcome sent back to the sender; DispositionNone means "respond later"
// via SendMessageDisposition.
type OnReceived func(msg *amqp.Message, disposition DispositionInfo, ctx interface{}) DispositionResult

// OnSendComplete is invoked exactly once per SendAsync call.
type OnSendComplete func(result SendResult, reason Reason, ctx interface{})

// Messenger is one BaseMessenger instance, spec.md §4.2.
type Messenger struct {
	mu  sync.Mutex
	cfg Config

	queue *messagequeue.Queue

	state State

	session *amqp.Session

	sender         *amqp.Sender
	senderLinkName string
	senderState    linkState
	senderCreating bool

	receiveMessages bool
	receiver        *amqp.Receiver
	receiverLinkName string
	receiverState    linkState
	receiverCreating bool
	nextDeliveryNum  uint64
	pendingDeliveries map[uint64]*amqp.Message

	onReceived  OnReceived
	receivedCtx interface{}

	consecutiveSendErrors int

	recvCh chan receivedEnvelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type receivedEnvelope struct {
	msg      *amqp.Message
	linkName string
}

type sendItem struct {
	msg      *amqp.Message
	released bool
}

// Create clones cfg and constructs a Messenger in state Stopped. See
// spec.md §4.2's create contract for the required fields.
func Create(cfg Config) (*Messenger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cloned := cfg.clone()

	m := &Messenger{
		cfg:               cloned,
		state:             Stopped,
		pendingDeliveries: map[uint64]*amqp.Message{},
		recvCh:            make(chan receivedEnvelope, 64),
	}

	queue, err := messagequeue.New(messagequeue.Config{
		MaxRetryCount:              defaultEventSendRetryLimit,
		MaxMessageEnqueuedTimeSecs: int(defaultEventSendTimeout / time.Second),
		OnProcessMessage:           m.processOutbound,
	})
	if err != nil {
		return nil, errors.Wrap(err, "basemessenger: create queue")
	}
	m.queue = queue
	return m, nil
}

// Start latches the borrowed session and transitions Stopped -> Starting.
// It must never block on I/O: the sender link is created lazily by the
// first DoWork call.
func (m *Messenger) Start(session *amqp.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Stopped {
		return errors.New("basemessenger: invalid state, start requires STOPPED")
	}
	m.session = session
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.setState(Starting)
	return nil
}

// Stop tears down the sender/receiver synchronously, rewinds the
// queue's in-flight items back to pending, and returns to Stopped. It
// fails only when the messenger is already Stopped.
func (m *Messenger) Stop() error {
	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return errors.New("basemessenger: already stopped")
	}
	m.setState(Stopping)
	hadReceiver := m.receiver != nil
	m.destroySenderLocked()
	m.destroyReceiverLocked()
	if m.cancel != nil {
		m.cancel()
	}
	onSubscriptionChange := m.cfg.OnSubscriptionChange
	m.mu.Unlock()

	if hadReceiver && onSubscriptionChange != nil {
		onSubscriptionChange(false)
	}

	m.wg.Wait()

	m.mu.Lock()
	m.queue.MoveAllBackToPending()
	m.consecutiveSendErrors = 0
	m.session = nil
	m.setState(Stopped)
	m.mu.Unlock()
	return nil
}

// SendAsync clones msg so the caller is free to reuse or mutate its own
// copy once this call returns, then enqueues it; onComplete fires
// exactly once.
func (m *Messenger) SendAsync(msg *amqp.Message, onComplete OnSendComplete, userCtx interface{}) error {
	if msg == nil || onComplete == nil {
		return errors.New("basemessenger: send_async requires a message and a completion callback")
	}
	item := &sendItem{msg: cloneMessage(msg)}
	return m.queue.Add(item, func(value interface{}, result messagequeue.CompletionResult, reason string, ctx interface{}) {
		m.handleSendComplete(value.(*sendItem), result, onComplete, userCtx)
	}, userCtx)
}

func (m *Messenger) handleSendComplete(it *sendItem, result messagequeue.CompletionResult, onComplete OnSendComplete, userCtx interface{}) {
	m.mu.Lock()
	wasStopped := m.state == Stopped
	switch result {
	case messagequeue.Success:
		m.consecutiveSendErrors = 0
	case messagequeue.Cancelled:
		if wasStopped {
			m.consecutiveSendErrors = 0
		} else {
			m.consecutiveSendErrors++
		}
	default:
		m.consecutiveSendErrors++
	}
	m.mu.Unlock()

	switch result {
	case messagequeue.Success:
		onComplete(SendSuccess, ReasonNone, userCtx)
	case messagequeue.Timeout:
		onComplete(SendError, ReasonTimeout, userCtx)
	case messagequeue.Cancelled:
		if wasStopped {
			onComplete(SendCancelled, ReasonMessengerDestroyed, userCtx)
		} else {
			onComplete(SendError, ReasonFailSending, userCtx)
		}
	default:
		onComplete(SendError, ReasonFailSending, userCtx)
	}
}

// processOutbound is the queue's OnProcessMessage: it hands the message
// to the sender link in a short-lived goroutine so DoWork never blocks
// on Sender.Send, and reports QUEUE_SUCCESS/QUEUE_ERROR back through
// complete once pack.ag/amqp's Send returns.
func (m *Messenger) processOutbound(value interface{}, complete func(messagequeue.CompletionResult)) {
	it := value.(*sendItem)

	m.mu.Lock()
	sender := m.sender
	ctx := m.ctx
	m.mu.Unlock()

	if sender == nil || ctx == nil {
		complete(messagequeue.Error)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := sender.Send(ctx, it.msg)
		it.released = true
		if err != nil {
			m.cfg.Logger.Warnf("basemessenger: send failed: %s", err)
			complete(messagequeue.Error)
			return
		}
		complete(messagequeue.Success)
	}()
}

// Subscribe latches the subscriber callback; the receiver link is
// created lazily by DoWork, not here.
func (m *Messenger) Subscribe(onReceived OnReceived, ctx interface{}) error {
	if onReceived == nil || ctx == nil {
		return errors.New("basemessenger: subscribe_for_messages requires a callback and a non-nil context")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReceived = onReceived
	m.receivedCtx = ctx
	m.receiveMessages = true
	return nil
}

// Unsubscribe clears the callback; the receiver is destroyed by the
// next DoWork.
func (m *Messenger) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReceived = nil
	m.receivedCtx = nil
	m.receiveMessages = false
}

// SendMessageDisposition maps result to an AMQP outcome and dispatches
// it through the messagereceiver that produced disposition, then frees
// the bookkeeping entry.
func (m *Messenger) SendMessageDisposition(disposition DispositionInfo, result DispositionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiver == nil || m.receiverLinkName != disposition.LinkName {
		return errors.New("basemessenger: no receiver currently bound for that link name")
	}
	msg, ok := m.pendingDeliveries[disposition.DeliveryNumber]
	if !ok {
		return errors.New("basemessenger: unknown delivery number")
	}
	delete(m.pendingDeliveries, disposition.DeliveryNumber)

	switch result {
	case DispositionAccepted:
		msg.Accept()
	case DispositionRejected:
		msg.Reject(nil)
	case DispositionReleased:
		msg.Release()
	case DispositionNone:
		// no outgoing disposition
	}
	return nil
}

// GetSendStatus reports IDLE iff the send queue is empty.
func (m *Messenger) GetSendStatus() SendStatus {
	if m.queue.IsEmpty() {
		return Idle
	}
	return Busy
}

// SetOption accepts "event_send_timeout_secs" (forwarded to the queue)
// and "product_info" (added to both link attach-property maps,
// overwriting). Unknown names fail.
func (m *Messenger) SetOption(name string, value interface{}) error {
	switch name {
	case "event_send_timeout_secs":
		secs, ok := value.(int)
		if !ok {
			return errors.New("basemessenger: event_send_timeout_secs must be an int")
		}
		m.queue.SetMaxMessageEnqueuedTimeSecs(secs)
		return nil
	case "product_info":
		info, ok := value.(string)
		if !ok {
			return errors.New("basemessenger: product_info must be a string")
		}
		m.mu.Lock()
		m.cfg.Send.AttachProperties["com.microsoft:client-version"] = info
		m.cfg.Receive.AttachProperties["com.microsoft:client-version"] = info
		m.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("basemessenger: unknown option %q", name)
	}
}

// Options is the reconnect-snapshot bundle returned by RetrieveOptions,
// holding the queue's own bundle in its Queue field. ApplyOptions
// restores it; SetOption does not accept it.
type Options struct {
	Queue messagequeue.Options
}

// RetrieveOptions returns an option bundle containing the queue's
// option bundle under a fixed key.
func (m *Messenger) RetrieveOptions() Options {
	return Options{Queue: m.queue.RetrieveOptions()}
}

// ApplyOptions restores a bundle captured by RetrieveOptions, e.g. after
// a reconnect.
func (m *Messenger) ApplyOptions(o Options) {
	m.queue.ApplyOptions(o.Queue)
}

// Destroy stops the messenger if necessary, then releases the queue
// (cancelling residual items) and the configuration.
func (m *Messenger) Destroy() error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != Stopped {
		if err := m.Stop(); err != nil {
			return err
		}
	}
	m.queue.Destroy()
	return nil
}

// State returns the current lifecycle state.
func (m *Messenger) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState fires OnStateChange iff the state actually changes. Caller
// must hold m.mu.
func (m *Messenger) setState(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(prev, s)
	}
}

func (m *Messenger) linkName(prefix string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, m.cfg.DeviceID, iotutil.UUID())
}

// cloneMessage makes a shallow copy of msg plus fresh maps for its
// mutable fields, so the caller is free to reuse or mutate its own copy
// once SendAsync returns — mirroring the source's "clones the message"
// step in spec.md §4.2.
func cloneMessage(msg *amqp.Message) *amqp.Message {
	clone := *msg
	if msg.Properties != nil {
		props := *msg.Properties
		clone.Properties = &props
	}
	if msg.ApplicationProperties != nil {
		clone.ApplicationProperties = make(map[string]interface{}, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			clone.ApplicationProperties[k] = v
		}
	}
	if msg.Annotations != nil {
		clone.Annotations = make(amqp.Annotations, len(msg.Annotations))
		for k, v := range msg.Annotations {
			clone.Annotations[k] = v
		}
	}
	if msg.Data != nil {
		clone.Data = make([][]byte, len(msg.Data))
		for i, d := range msg.Data {
			b := make([]byte, len(d))
			copy(b, d)
			clone.Data[i] = b
		}
	}
	return &clone
}
