package basemessenger

import "pack.ag/amqp"

// senderLinkOptions builds the attach options for the outbound link,
// per spec.md §4.2's "Link addressing (contract)" and the teacher's
// event-link attach pattern (iotdevice/transport/amqp.go's sender
// setup).
func (m *Messenger) senderLinkOptions(name string) []amqp.LinkOption {
	opts := []amqp.LinkOption{
		amqp.LinkName(name),
		amqp.LinkTargetAddress(m.cfg.addressFor(m.cfg.Send.TargetSuffix)),
		amqp.LinkSenderSettle(m.cfg.Send.SenderSettle),
		amqp.LinkMaxMessageSize(senderMaxMessageSize),
	}
	for k, v := range m.cfg.Send.AttachProperties {
		opts = append(opts, amqp.LinkProperty(k, v))
	}
	return opts
}

// receiverLinkOptions builds the attach options for the inbound link.
func (m *Messenger) receiverLinkOptions(name string) []amqp.LinkOption {
	opts := []amqp.LinkOption{
		amqp.LinkName(name),
		amqp.LinkSourceAddress(m.cfg.addressFor(m.cfg.Receive.SourceSuffix)),
		amqp.LinkReceiverSettle(m.cfg.Receive.ReceiverSettle),
		amqp.LinkCredit(1),
		amqp.LinkMaxMessageSize(receiverMaxMessageSize),
	}
	for k, v := range m.cfg.Receive.AttachProperties {
		opts = append(opts, amqp.LinkProperty(k, v))
	}
	return opts
}
