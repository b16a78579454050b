package twinclient

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/basemessenger"
	"github.com/amenzhinsky/iothub-messenger/iotutil"
)

// operationTimeout and patchTimeout are the fixed 300s limits from
// spec.md §4.4.
const (
	operationTimeout = 300 * time.Second
	patchTimeout     = 300 * time.Second

	maxSubscriptionErrorCount = 3

	channelCorrelationPrefix = "twin"

	defaultRetryBackoff = time.Second
)

// State is the client's own lifecycle state. Unlike StreamingClient's
// composed state, it is driven both by the latched messenger state
// (msgrState) and, independently, by the subscription state machine's
// own error budget (see bumpSubscriptionErrorLocked).
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case Stopping:
		return "STOPPING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// subState is the inner subscription handshake state, spec.md §4.4.
type subState int

const (
	notSubscribed subState = iota
	getCompleteProperties
	gettingCompleteProperties
	subscribeForUpdates
	subscribing
	subscribed
	unsubscribe
	unsubscribing
)

// UpdateType discriminates a desired-properties delivery.
type UpdateType int

const (
	Complete UpdateType = iota
	Partial
)

func (u UpdateType) String() string {
	if u == Partial {
		return "PARTIAL"
	}
	return "COMPLETE"
}

// OnStateChange fires synchronously whenever the client's own State
// transitions.
type OnStateChange func(previous, current State)

// ReportStateCompleted is invoked exactly once per ReportStateAsync
// call, and once per GetTwinAsync call via StateUpdated instead (see
// below) for the on-demand GET path.
type ReportStateCompleted func(result basemessenger.SendResult, reason basemessenger.Reason, statusCode int, ctx interface{})

// StateUpdated delivers a desired-properties update: COMPLETE for a
// GET response (on-demand or the subscription handshake's own GET),
// PARTIAL for a server-initiated delta.
type StateUpdated func(updateType UpdateType, payload []byte, ctx interface{})

type patchRecord struct {
	buf        []byte
	cb         ReportStateCompleted
	ctx        interface{}
	enqueuedAt time.Time
}

type operationRecord struct {
	kind          opKind
	correlationID string
	sentAt        time.Time

	patchCB  ReportStateCompleted
	patchCtx interface{}

	getCB  StateUpdated
	getCtx interface{}
}

// Client maintains correlated twin operations and the desired-property
// subscription handshake, spec.md §4.4.
type Client struct {
	mu sync.Mutex

	onStateChange OnStateChange
	state         State

	msgrState      basemessenger.State
	msgrSubscribed bool

	subState         subState
	subErrorCount    int
	lastSubAttemptAt time.Time
	retryBackoff     func(attempt int) time.Duration
	onUpdate         StateUpdated
	onUpdateCtx      interface{}

	pendingPatches []*patchRecord
	operations     []*operationRecord

	rid *iotutil.RIDGenerator

	messenger *basemessenger.Messenger
}

// Create constructs the dedicated messenger (link suffixes
// "twin/twin", channel-correlation-id "twin:<uuid>") and subscribes it
// for inbound messages.
func Create(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{onStateChange: cfg.OnStateChange, rid: iotutil.NewRIDGenerator(), retryBackoff: cfg.RetryBackoff}
	if c.retryBackoff == nil {
		c.retryBackoff = func(int) time.Duration { return defaultRetryBackoff }
	}

	attachProps := map[string]string{
		"com.microsoft:channel-correlation-id": channelCorrelationPrefix + ":" + iotutil.UUID(),
		"com.microsoft:api-version":            apiVersion,
	}

	m, err := basemessenger.Create(basemessenger.Config{
		DeviceID:        cfg.DeviceID,
		ModuleID:        cfg.ModuleID,
		IoTHubHostFQDN:  cfg.IoTHubHostFQDN,
		ProductInfoFunc: cfg.ProductInfoFunc,
		Send: basemessenger.LinkConfig{
			TargetSuffix:     "twin",
			AttachProperties: attachProps,
		},
		Receive: basemessenger.LinkConfig{
			SourceSuffix:     "twin",
			AttachProperties: attachProps,
		},
		OnStateChange:        c.onMessengerStateChange,
		OnSubscriptionChange: c.onMessengerSubscriptionChange,
		Logger:               cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "twinclient: create messenger")
	}
	c.messenger = m

	if err := m.Subscribe(c.onReceived, c); err != nil {
		return nil, errors.Wrap(err, "twinclient: subscribe")
	}
	return c, nil
}

const apiVersion = "2016-11-14"

// Start delegates to the messenger and latches Starting.
func (c *Client) Start(session *amqp.Session) error {
	if err := c.messenger.Start(session); err != nil {
		return err
	}
	c.mu.Lock()
	c.setState(Starting)
	c.mu.Unlock()
	return nil
}

// Stop delegates to the messenger; if the subscription state is not
// mid-unsubscribe, it is reset to getCompleteProperties so restart
// reestablishes the handshake from scratch.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.setState(Stopping)
	if c.subState != unsubscribe && c.subState != unsubscribing {
		c.subState = getCompleteProperties
	}
	c.mu.Unlock()

	if err := c.messenger.Stop(); err != nil {
		c.mu.Lock()
		c.setState(Error)
		c.mu.Unlock()
		return err
	}
	return nil
}

// ReportStateAsync enqueues a reported-property PATCH buffer; it is
// sent on the next do_work.
func (c *Client) ReportStateAsync(buf []byte, cb ReportStateCompleted, ctx interface{}) error {
	if cb == nil {
		return errors.New("twinclient: report_state_async requires a completion callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingPatches = append(c.pendingPatches, &patchRecord{
		buf:        buf,
		cb:         cb,
		ctx:        ctx,
		enqueuedAt: time.Now(),
	})
	return nil
}

// GetTwinAsync issues an on-demand GET, independent of the subscription
// state, and sends it immediately.
func (c *Client) GetTwinAsync(cb StateUpdated, ctx interface{}) error {
	if cb == nil {
		return errors.New("twinclient: get_twin_async requires a callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	op := &operationRecord{
		kind:          opGetOnDemand,
		correlationID: c.nextCorrelationIDLocked(),
		sentAt:        time.Now(),
		getCB:         cb,
		getCtx:        ctx,
	}
	c.operations = append(c.operations, op)
	return c.sendOperationLocked(op, nil)
}

// Subscribe latches the desired-property delta callback and starts the
// subscription handshake; idempotent if already subscribing/subscribed.
func (c *Client) Subscribe(cb StateUpdated, ctx interface{}) error {
	if cb == nil {
		return errors.New("twinclient: subscribe requires a callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = cb
	c.onUpdateCtx = ctx
	if c.subState == notSubscribed {
		c.subState = getCompleteProperties
	}
	return nil
}

// Unsubscribe clears the delta callback and starts the unsubscribe
// handshake; idempotent if already not subscribed.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = nil
	c.onUpdateCtx = nil
	if c.subState == notSubscribed {
		return nil
	}
	c.subState = unsubscribe
	return nil
}

// GetSendStatus is IDLE iff both the pending-patches list is empty and
// no PATCH operation is in flight.
func (c *Client) GetSendStatus() basemessenger.SendStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingPatches) > 0 {
		return basemessenger.Busy
	}
	for _, op := range c.operations {
		if op.kind == opPatch {
			return basemessenger.Busy
		}
	}
	return basemessenger.Idle
}

// State returns the client's own lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Destroy cancels every pending patch and in-flight PATCH operation
// with MESSENGER_DESTROYED, then destroys the messenger. GET_ON_DEMAND
// operations are dropped without firing their callback (spec.md §9
// open question — preserved as specified, not resolved here).
func (c *Client) Destroy() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Stopping && state != Stopped {
		if err := c.Stop(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	patches := c.pendingPatches
	ops := c.operations
	c.pendingPatches = nil
	c.operations = nil
	c.mu.Unlock()

	for _, p := range patches {
		p.cb(basemessenger.SendCancelled, basemessenger.ReasonMessengerDestroyed, 0, p.ctx)
	}
	for _, op := range ops {
		if op.kind == opPatch {
			op.patchCB(basemessenger.SendCancelled, basemessenger.ReasonMessengerDestroyed, 0, op.patchCtx)
		}
	}
	return c.messenger.Destroy()
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	if c.onStateChange != nil {
		c.onStateChange(prev, s)
	}
}

func (c *Client) nextCorrelationIDLocked() string {
	return c.rid.Next() + "-" + iotutil.UUID()
}

func (c *Client) onMessengerStateChange(_, current basemessenger.State) {
	c.mu.Lock()
	c.msgrState = current
	c.reconcileLocked()
	c.mu.Unlock()
}

func (c *Client) onMessengerSubscriptionChange(subscribed bool) {
	c.mu.Lock()
	c.msgrSubscribed = subscribed
	c.reconcileLocked()
	c.mu.Unlock()
}

// reconcileLocked mirrors StreamingClient's composition rule: the
// messenger must be both STARTED and subscribed for the client to
// reach STARTED, and any departure from that while STARTED is an
// error. Caller must hold c.mu.
func (c *Client) reconcileLocked() {
	switch c.state {
	case Starting:
		switch {
		case c.msgrState == basemessenger.Started && c.msgrSubscribed:
			c.setState(Started)
		case c.msgrState == basemessenger.Starting:
		default:
			c.setState(Error)
		}
	case Stopping:
		switch {
		case c.msgrState == basemessenger.Stopped && !c.msgrSubscribed:
			c.setState(Stopped)
		case c.msgrState == basemessenger.Stopping:
		case c.msgrState == basemessenger.Stopped:
		default:
			c.setState(Error)
		}
	case Started:
		if c.msgrState != basemessenger.Started || !c.msgrSubscribed {
			c.setState(Error)
		}
	}
}
