package twinclient

import (
	"time"

	"github.com/pkg/errors"

	"github.com/amenzhinsky/iothub-messenger/common"
)

// Config configures a Client.
type Config struct {
	DeviceID        string
	ModuleID        string
	IoTHubHostFQDN  string
	ProductInfoFunc func() string
	OnStateChange   OnStateChange
	Logger          common.Logger

	// RetryBackoff gates successive GET/PUT/DELETE resend attempts
	// after a subscription-state timeout/error revert, so retries
	// don't hammer the hub on every do_work tick. attempt is the
	// current subscription error count (1 on the first retry). Nil
	// defaults to a constant 1s backoff.
	RetryBackoff func(attempt int) time.Duration
}

func (c Config) validate() error {
	if c.DeviceID == "" {
		return errors.New("twinclient: device_id is required")
	}
	if c.IoTHubHostFQDN == "" {
		return errors.New("twinclient: iothub_host_fqdn is required")
	}
	return nil
}
