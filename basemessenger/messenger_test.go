package basemessenger

import (
	"testing"

	"github.com/fortytw2/leaktest"
	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/messagequeue"
)

func testConfig() Config {
	return Config{
		DeviceID:       "dev1",
		IoTHubHostFQDN: "myhub.azure-devices.net",
		ProductInfoFunc: func() string {
			return "test/1.0"
		},
		Send:    LinkConfig{TargetSuffix: "messages/events"},
		Receive: LinkConfig{SourceSuffix: "messages/devicebound"},
	}
}

func TestCreate_ValidatesRequiredFields(t *testing.T) {
	_, err := Create(Config{})
	if err == nil {
		t.Fatal("expected an error for an empty config")
	}
}

func TestCreate_Succeeds(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := m.State(); got != Stopped {
		t.Fatalf("new messenger state = %v, want STOPPED", got)
	}
}

func TestStop_WithoutStartErrors(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Stop(); err == nil {
		t.Fatal("expected Stop on an already-stopped messenger to error")
	}
}

func TestSendAsync_RequiresMessageAndCallback(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SendAsync(nil, func(SendResult, Reason, interface{}) {}, nil); err == nil {
		t.Fatal("expected an error for a nil message")
	}
	if err := m.SendAsync(&amqp.Message{}, nil, nil); err == nil {
		t.Fatal("expected an error for a nil completion callback")
	}
}

func TestCloneMessage_IsIndependentOfTheOriginal(t *testing.T) {
	msg := &amqp.Message{
		ApplicationProperties: map[string]interface{}{"k": "v"},
		Annotations:           amqp.Annotations{"a": "b"},
		Data:                  [][]byte{[]byte("hello")},
	}
	clone := cloneMessage(msg)

	msg.ApplicationProperties["k"] = "mutated"
	msg.Annotations["a"] = "mutated"
	msg.Data[0][0] = 'X'

	if clone.ApplicationProperties["k"] != "v" {
		t.Fatal("clone shares the ApplicationProperties map with the original")
	}
	if clone.Annotations["a"] != "b" {
		t.Fatal("clone shares the Annotations map with the original")
	}
	if string(clone.Data[0]) != "hello" {
		t.Fatal("clone shares the Data backing array with the original")
	}
}

func TestProcessOutbound_FailsWithoutASender(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	results := make(chan messagequeue.CompletionResult, 1)
	m.processOutbound(&sendItem{msg: &amqp.Message{}}, func(r messagequeue.CompletionResult) {
		results <- r
	})
	if got := <-results; got != messagequeue.Error {
		t.Fatalf("processOutbound with no sender = %v, want Error", got)
	}
}

func TestSubscribe_RequiresCallbackAndContext(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Subscribe(nil, "ctx"); err == nil {
		t.Fatal("expected an error for a nil callback")
	}
	cb := func(*amqp.Message, DispositionInfo, interface{}) DispositionResult { return DispositionAccepted }
	if err := m.Subscribe(cb, nil); err == nil {
		t.Fatal("expected an error for a nil context")
	}
	if err := m.Subscribe(cb, "ctx"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m.mu.Lock()
	if !m.receiveMessages {
		t.Fatal("receiveMessages latch not set after Subscribe")
	}
	m.mu.Unlock()

	m.Unsubscribe()
	m.mu.Lock()
	if m.receiveMessages || m.onReceived != nil {
		t.Fatal("Unsubscribe did not clear subscription state")
	}
	m.mu.Unlock()
}

func TestSendMessageDisposition_UnknownDeliveryErrors(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.mu.Lock()
	m.receiver = &amqp.Receiver{}
	m.receiverLinkName = "link-rcv-1"
	m.mu.Unlock()

	err = m.SendMessageDisposition(DispositionInfo{LinkName: "link-rcv-1", DeliveryNumber: 42}, DispositionAccepted)
	if err == nil {
		t.Fatal("expected an error for an unknown delivery number")
	}
}

func TestSendMessageDisposition_NoReceiverErrors(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SendMessageDisposition(DispositionInfo{LinkName: "nope"}, DispositionAccepted); err == nil {
		t.Fatal("expected an error when no receiver is bound")
	}
}

func TestGetSendStatus_ReflectsQueueOccupancy(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := m.GetSendStatus(); got != Idle {
		t.Fatalf("GetSendStatus on an empty queue = %v, want IDLE", got)
	}
	if err := m.SendAsync(&amqp.Message{}, func(SendResult, Reason, interface{}) {}, nil); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	if got := m.GetSendStatus(); got != Busy {
		t.Fatalf("GetSendStatus with a pending item = %v, want BUSY", got)
	}
}

func TestSetOption_ProductInfoUpdatesBothLinkConfigs(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SetOption("product_info", "myagent/2.0"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Send.AttachProperties["com.microsoft:client-version"] != "myagent/2.0" {
		t.Fatal("product_info not applied to the send link config")
	}
	if m.cfg.Receive.AttachProperties["com.microsoft:client-version"] != "myagent/2.0" {
		t.Fatal("product_info not applied to the receive link config")
	}
}

func TestSetOption_UnknownNameErrors(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SetOption("does-not-exist", 1); err == nil {
		t.Fatal("expected an error for an unknown option name")
	}
}

func TestHandleSendComplete_TracksConsecutiveErrorsAndTripsError(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.cfg.MaxSendErrorCount = 3
	m.mu.Lock()
	m.state = Started
	m.mu.Unlock()

	var got []SendResult
	onComplete := func(r SendResult, _ Reason, _ interface{}) { got = append(got, r) }

	for i := 0; i < 3; i++ {
		m.handleSendComplete(&sendItem{}, messagequeue.Error, onComplete, nil)
	}
	if len(got) != 3 || got[0] != SendError {
		t.Fatalf("handleSendComplete results = %v, want 3x SendError", got)
	}

	m.handleErrorsAndTimeouts()
	if got := m.State(); got != Error {
		t.Fatalf("state after exhausting MaxSendErrorCount = %v, want ERROR", got)
	}
}

func TestHandleSendComplete_SuccessResetsCounter(t *testing.T) {
	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.mu.Lock()
	m.consecutiveSendErrors = 5
	m.mu.Unlock()

	m.handleSendComplete(&sendItem{}, messagequeue.Success, func(SendResult, Reason, interface{}) {}, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consecutiveSendErrors != 0 {
		t.Fatalf("consecutiveSendErrors after a success = %d, want 0", m.consecutiveSendErrors)
	}
}

func TestDestroy_OnAFreshMessengerLeaksNoGoroutines(t *testing.T) {
	defer leaktest.Check(t)()

	m, err := Create(testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
