// Package twinclient maintains the subscription conversation for
// desired-property updates and carries reported-property PATCH
// requests and on-demand GETs, on top of a dedicated
// basemessenger.Messenger bound to the "twin/twin" link pair.
//
// Grounded on the teacher's iotdevice/transport/amqp.go twin methods
// (twinRequest/twinSendRecv/checkTwinResponse) for the annotation
// vocabulary ("operation", "resource", "status") and on
// iotdevice/mux.go for the correlated-response dispatch idiom that
// do_work's subscription state machine generalizes here into a
// standing subscribe/unsubscribe handshake instead of one-shot
// request/response pairs.
package twinclient
