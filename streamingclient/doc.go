// Package streamingclient correlates cloud-to-device stream-invitation
// messages with application-supplied accept/reject responses, on top of
// a dedicated basemessenger.Messenger bound to the "streams/streams"
// link pair.
//
// Grounded on the teacher's iotdevice/transport/amqp.go twin/c2d
// handling: a single receive callback decodes each inbound message and
// dispatches to a user-supplied handler, with the disposition decided
// synchronously from the handler's return value.
package streamingclient
