package basemessenger

import (
	"fmt"

	"pack.ag/amqp"

	"github.com/amenzhinsky/iothub-messenger/common"
)

// LinkConfig is the configuration for one direction (send or receive) of
// a messenger's link pair.
type LinkConfig struct {
	// SourceSuffix/TargetSuffix is appended to the computed AMQP
	// address (see addressFor). A receive link only ever uses
	// SourceSuffix, a send link only ever uses TargetSuffix — both
	// fields exist on LinkConfig so the same struct can describe
	// either direction, matching the source's single link-config type.
	SourceSuffix string
	TargetSuffix string

	SenderSettle   amqp.SenderSettleMode
	ReceiverSettle amqp.ReceiverSettleMode

	// AttachProperties is a symbol->string map converted to AMQP
	// properties at link-attach time.
	AttachProperties map[string]string
}

func (c LinkConfig) clone() LinkConfig {
	props := make(map[string]string, len(c.AttachProperties))
	for k, v := range c.AttachProperties {
		props[k] = v
	}
	c.AttachProperties = props
	return c
}

// Config is a BaseMessenger's immutable configuration, cloned on Create.
type Config struct {
	DeviceID string
	ModuleID string

	// IoTHubHostFQDN is the hub hostname used to build link addresses.
	IoTHubHostFQDN string

	// ProductInfoFunc is required (see Validate). It is consulted once,
	// on Create, for the product-info string added to both link
	// attach-property maps under "com.microsoft:client-version".
	ProductInfoFunc func() string

	Send    LinkConfig
	Receive LinkConfig

	// OnStateChange fires synchronously from DoWork's calling goroutine
	// whenever State transitions, with (previous, current).
	OnStateChange func(previous, current State)

	// OnSubscriptionChange fires when the receiver link pair is
	// created or torn down.
	OnSubscriptionChange func(subscribed bool)

	// MaxSendErrorCount bounds the number of consecutive send errors
	// before the messenger transitions to Error. Zero means the
	// default of 10.
	MaxSendErrorCount int

	Logger common.Logger
}

// Validate checks the required fields named in spec.md §4.2's create
// contract.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("basemessenger: device_id is required")
	}
	if c.IoTHubHostFQDN == "" {
		return fmt.Errorf("basemessenger: iothub_host_fqdn is required")
	}
	if c.ProductInfoFunc == nil {
		return fmt.Errorf("basemessenger: prod_info_cb is required")
	}
	if c.Receive.SourceSuffix == "" {
		return fmt.Errorf("basemessenger: receive_link.source_suffix is required")
	}
	if c.Send.TargetSuffix == "" {
		return fmt.Errorf("basemessenger: send_link.target_suffix is required")
	}
	return nil
}

func (c Config) clone() Config {
	c.Send = c.Send.clone()
	c.Receive = c.Receive.clone()
	if c.Logger == nil {
		c.Logger = common.NewLoggerFromEnv("basemessenger", "IOTHUB_MESSENGER_LOG_LEVEL")
	}
	if c.MaxSendErrorCount == 0 {
		c.MaxSendErrorCount = defaultMaxSendErrorCount
	}
	if c.ProductInfoFunc != nil {
		info := c.ProductInfoFunc()
		c.Send.AttachProperties["com.microsoft:client-version"] = info
		c.Receive.AttachProperties["com.microsoft:client-version"] = info
	}
	return c
}

// addressFor builds the device- or module-scoped AMQP address for the
// given suffix, per spec.md §4.2's "Link addressing (contract)".
func (c *Config) addressFor(suffix string) string {
	if c.ModuleID != "" {
		return fmt.Sprintf("amqps://%s/devices/%s/modules/%s/%s", c.IoTHubHostFQDN, c.DeviceID, c.ModuleID, suffix)
	}
	return fmt.Sprintf("amqps://%s/devices/%s/%s", c.IoTHubHostFQDN, c.DeviceID, suffix)
}
