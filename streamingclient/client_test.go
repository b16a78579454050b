package streamingclient

import (
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/basemessenger"
)

func testConfig() Config {
	return Config{
		DeviceID:        "my_device",
		IoTHubHostFQDN:  "some.fqdn.com",
		ProductInfoFunc: func() string { return "test/1.0" },
	}
}

func TestCreate_RequiresDeviceIDAndHost(t *testing.T) {
	if _, err := Create(Config{}); err == nil {
		t.Fatal("expected an error for an empty config")
	}
}

func TestCreate_Succeeds(t *testing.T) {
	c, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := c.State(); got != Stopped {
		t.Fatalf("new client state = %v, want STOPPED", got)
	}
}

func TestWire_EncodeDecodeRoundTripsUUID(t *testing.T) {
	want := amqp.UUID{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0xfe, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xfe}
	inbound := &amqp.Message{
		Properties: &amqp.MessageProperties{CorrelationID: want},
	}

	req, err := decodeRequest(inbound)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if req.RequestID != want.String() {
		t.Fatalf("decoded request id = %q, want %q", req.RequestID, want.String())
	}

	outbound, err := encodeResponse(Response{Accept: true, RequestID: req.RequestID})
	if err != nil {
		t.Fatalf("encodeResponse: %v", err)
	}
	got, ok := outbound.Properties.CorrelationID.(amqp.UUID)
	if !ok {
		t.Fatalf("outbound correlation id type = %T, want amqp.UUID", outbound.Properties.CorrelationID)
	}
	if got != want {
		t.Fatalf("round-tripped UUID = %x, want %x", got, want)
	}
	if outbound.ApplicationProperties[propIsAccepted] != true {
		t.Fatal("outbound response missing IoThub-streaming-is-accepted=true")
	}
}

func TestWire_DecodeRequest_ParsesApplicationProperties(t *testing.T) {
	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{CorrelationID: "not-a-real-uuid-but-a-string"},
		ApplicationProperties: map[string]interface{}{
			propStreamName: "TestStream",
			propHostname:   "host",
			propPort:       "443",
			propURL:        "wss://host/x",
			propAuthToken:  "abc",
			"unknown-key":  "ignored",
		},
	}
	req, err := decodeRequest(msg)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	want := &Request{
		RequestID:          "not-a-real-uuid-but-a-string",
		StreamName:         "TestStream",
		GatewayHostname:    "host",
		GatewayPort:        443,
		GatewayURL:         "wss://host/x",
		AuthorizationToken: "abc",
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("decoded request mismatch (-want +got):\n%s", diff)
	}
}

func TestWire_DecodeRequest_MissingCorrelationIDErrors(t *testing.T) {
	if _, err := decodeRequest(&amqp.Message{}); err == nil {
		t.Fatal("expected an error for a message with no correlation id")
	}
}

func TestOnReceived_HappyPathAcceptsAndEchoesRequestID(t *testing.T) {
	c, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.mu.Lock()
	c.state = Started
	c.msgrState = basemessenger.Started
	c.mu.Unlock()

	requestID := amqp.UUID{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0xfe, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xfe}.String()

	var gotReq *Request
	c.SetStreamRequestCallback(func(req *Request) *Response {
		gotReq = req
		return &Response{Accept: true, RequestID: req.RequestID}
	})

	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{CorrelationID: amqp.UUID{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0xfe, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xfe}},
		ApplicationProperties: map[string]interface{}{
			propStreamName: "TestStream",
			propHostname:   "host",
			propPort:       "443",
			propURL:        "wss://host/x",
			propAuthToken:  "abc",
		},
	}

	result := c.onReceived(msg, basemessenger.DispositionInfo{}, c)
	if result != basemessenger.DispositionAccepted {
		t.Fatalf("disposition = %v, want ACCEPTED", result)
	}
	if gotReq == nil {
		t.Fatal("stream request callback was not invoked")
	}
	if gotReq.RequestID != requestID {
		t.Fatalf("callback request id = %q, want %q", gotReq.RequestID, requestID)
	}
	if gotReq.StreamName != "TestStream" {
		t.Fatalf("callback stream name = %q, want TestStream", gotReq.StreamName)
	}
}

func TestOnReceived_MalformedCorrelationIDRejectsWithoutCallback(t *testing.T) {
	c, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.mu.Lock()
	c.state = Started
	c.msgrState = basemessenger.Started
	c.mu.Unlock()

	fired := false
	c.SetStreamRequestCallback(func(req *Request) *Response {
		fired = true
		return nil
	})

	result := c.onReceived(&amqp.Message{}, basemessenger.DispositionInfo{}, c)
	if result != basemessenger.DispositionRejected {
		t.Fatalf("disposition = %v, want REJECTED", result)
	}
	if fired {
		t.Fatal("stream request callback must not fire on a malformed request")
	}
}

func TestReconcileLocked_StartingToStarted(t *testing.T) {
	c, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var transitions [][2]State
	c.onStateChange = func(prev, cur State) { transitions = append(transitions, [2]State{prev, cur}) }

	c.mu.Lock()
	c.state = Starting
	c.msgrSubscribed = true
	c.msgrState = basemessenger.Started
	c.reconcileLocked()
	c.mu.Unlock()

	if got := c.State(); got != Started {
		t.Fatalf("state after reconcile = %v, want STARTED", got)
	}
	if len(transitions) != 1 || transitions[0] != ([2]State{Starting, Started}) {
		t.Fatalf("transitions = %v, want a single STARTING->STARTED", transitions)
	}
}

func TestDestroy_OnAFreshClientLeaksNoGoroutines(t *testing.T) {
	defer leaktest.Check(t)()

	c, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestReconcileLocked_UnexpectedMessengerStateTripsError(t *testing.T) {
	c, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.mu.Lock()
	c.state = Starting
	c.msgrState = basemessenger.Error
	c.reconcileLocked()
	c.mu.Unlock()

	if got := c.State(); got != Error {
		t.Fatalf("state after reconcile = %v, want ERROR", got)
	}
}
