// Package basemessenger drives one AMQP sender link and one optional
// AMQP receiver link through the lifecycle STOPPED -> STARTING ->
// STARTED -> STOPPING -> STOPPED, with a terminal ERROR branch, pumping
// outbound messages from a messagequeue.Queue to the sender and routing
// inbound messages to a subscriber callback along with disposition
// handles.
//
// pack.ag/amqp's Session.NewSender/NewReceiver perform the AMQP attach
// handshake synchronously and offer no state-changed callback the way
// the uAMQP-based source messenger relies on. To keep DoWork from ever
// blocking on I/O (a deliberate property of the source design, see
// spec.md §4.2 "Per-tick lazy link creation") while still layering the
// source's five-state sender/receiver bookkeeping on top, link creation
// is kicked off from DoWork in a one-shot goroutine: DoWork records
// (phaseOpening) as it starts the goroutine, which then writes
// (phaseOpen) or (phaseError) once NewSender/NewReceiver returns into
// the same mutex-guarded linkState
// that processStateChanges inspects on the next tick — the Go
// re-expression of the source's cached "previous/current state plus
// last-transition-time" fields. The receiver's blocking Receive(ctx)
// loop likewise runs in its own goroutine pushing into a channel that
// DoWork drains without blocking, and every outbound send runs in a
// short-lived goroutine that reports its outcome to the queue directly
// when Send returns, so send-completion callbacks run on that goroutine
// rather than on DoWork's. OnSubscriptionChange(true) likewise fires
// from the receiver-creation goroutine. No goroutine
// outlives Stop/Destroy: both cancel a per-messenger context and wait
// on a sync.WaitGroup before returning.
package basemessenger
