package streamingclient

import (
	"sync"

	"github.com/pkg/errors"
	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/basemessenger"
	"github.com/amenzhinsky/iothub-messenger/common"
	"github.com/amenzhinsky/iothub-messenger/iotutil"
)

// State is the client's own lifecycle state, composed from the
// underlying messenger's state and subscription-changed callbacks
// (see reconcileLocked) rather than polled from do_work — the
// streaming client, unlike the twin client, never calls
// process_state_changes itself.
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

// OnStateChange fires synchronously whenever the composed client state
// transitions.
type OnStateChange func(previous, current State)

// OnStreamRequest is invoked once per inbound stream invitation. A nil
// return value means the application will answer later via
// SendStreamResponse; a non-nil value is sent immediately.
type OnStreamRequest func(req *Request) *Response

// Config configures a Client.
type Config struct {
	DeviceID        string
	ModuleID        string
	IoTHubHostFQDN  string
	ProductInfoFunc func() string
	OnStateChange   OnStateChange
	Logger          common.Logger
}

// Client correlates cloud-to-device stream invitations with
// application accept/reject responses, spec.md §4.3.
type Client struct {
	mu sync.Mutex

	onStateChange OnStateChange
	state         State

	msgrState      basemessenger.State
	msgrSubscribed bool

	onRequest OnStreamRequest

	messenger *basemessenger.Messenger
}

const channelCorrelationPrefix = "streams"

// Create constructs the dedicated messenger (link suffixes
// "streams/streams", the channel-correlation-id/api-version attach
// properties from §4.3) and subscribes it for inbound messages.
func Create(cfg Config) (*Client, error) {
	if cfg.DeviceID == "" || cfg.IoTHubHostFQDN == "" {
		return nil, errors.New("streamingclient: device_id and iothub_host_fqdn are required")
	}

	c := &Client{onStateChange: cfg.OnStateChange, onRequest: nil}

	channelCorrelationID := channelCorrelationPrefix + ":" + iotutil.UUID()
	attachProps := map[string]string{
		"com.microsoft:channel-correlation-id": channelCorrelationID,
		"com.microsoft:api-version":            apiVersion,
	}

	m, err := basemessenger.Create(basemessenger.Config{
		DeviceID:        cfg.DeviceID,
		ModuleID:        cfg.ModuleID,
		IoTHubHostFQDN:  cfg.IoTHubHostFQDN,
		ProductInfoFunc: cfg.ProductInfoFunc,
		Send: basemessenger.LinkConfig{
			TargetSuffix:     "streams",
			AttachProperties: attachProps,
		},
		Receive: basemessenger.LinkConfig{
			SourceSuffix:     "streams",
			AttachProperties: attachProps,
		},
		OnStateChange:        c.onMessengerStateChange,
		OnSubscriptionChange: c.onMessengerSubscriptionChange,
		Logger:               cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "streamingclient: create messenger")
	}
	c.messenger = m

	if err := m.Subscribe(c.onReceived, c); err != nil {
		return nil, errors.Wrap(err, "streamingclient: subscribe")
	}
	return c, nil
}

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

// Stop delegates to the messenger; STOPPED is reached lazily through
// the state/subscription-change callbacks once the messenger settles.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.setState(Stopping)
	c.mu.Unlock()

	if err := c.messenger.Stop(); err != nil {
		c.mu.Lock()
		c.setState(Error)
		c.mu.Unlock()
		return err
	}
	return nil
}

// SetStreamRequestCallback saves the callback invoked by the incoming
// message path.
func (c *Client) SetStreamRequestCallback(cb OnStreamRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = cb
}

// SendStreamResponse answers a previously delivered Request.
func (c *Client) SendStreamResponse(resp Response) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Started {
		return errors.New("streamingclient: send_stream_response requires STARTED")
	}
	if resp.RequestID == "" {
		return errors.New("streamingclient: response has no request_id")
	}
	return c.sendResponse(resp)
}

func (c *Client) sendResponse(resp Response) error {
	msg, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	return c.messenger.SendAsync(msg, func(basemessenger.SendResult, basemessenger.Reason, interface{}) {}, nil)
}

// DoWork delegates to the messenger. The streaming client does not run
// its own process_state_changes pass (see State); state transitions
// are entirely callback-driven.
func (c *Client) DoWork() {
	c.messenger.DoWork()
}

// Destroy stops the client if it is not already stopping/stopped, then
// destroys the messenger.
func (c *Client) Destroy() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Stopping && state != Stopped {
		if err := c.Stop(); err != nil {
			return err
		}
	}
	return c.messenger.Destroy()
}

// State returns the composed client state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
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

// reconcileLocked implements the state-composition table of spec.md
// §4.3. Caller must hold c.mu.
func (c *Client) reconcileLocked() {
	switch c.state {
	case Starting:
		switch {
		case c.msgrState == basemessenger.Started && c.msgrSubscribed:
			c.setState(Started)
		case c.msgrState == basemessenger.Starting:
			// expected intermediate
		default:
			c.setState(Error)
		}
	case Stopping:
		switch {
		case c.msgrState == basemessenger.Stopped && !c.msgrSubscribed:
			c.setState(Stopped)
		case c.msgrState == basemessenger.Stopping:
			// expected intermediate
		case c.msgrState == basemessenger.Stopped:
			// source treats a subscription-lag STOPPED arriving while
			// locally STOPPING as valid; no further reconciliation.
		default:
			c.setState(Error)
		}
	case Started:
		if c.msgrState != basemessenger.Started || !c.msgrSubscribed {
			c.setState(Error)
		}
	}
}

// onReceived is the messenger's OnReceived callback: it decodes the
// inbound message, invokes the user callback, and answers immediately
// either with the user's response or, on parse failure, a rejection.
func (c *Client) onReceived(msg *amqp.Message, _ basemessenger.DispositionInfo, ctx interface{}) basemessenger.DispositionResult {
	self := ctx.(*Client)

	req, err := decodeRequest(msg)
	if err != nil {
		return basemessenger.DispositionRejected
	}

	self.mu.Lock()
	cb := self.onRequest
	self.mu.Unlock()
	if cb == nil {
		return basemessenger.DispositionAccepted
	}

	resp := cb(req)
	if resp == nil {
		return basemessenger.DispositionAccepted
	}
	if err := self.sendResponse(*resp); err != nil {
		return basemessenger.DispositionRejected
	}
	return basemessenger.DispositionAccepted
}
