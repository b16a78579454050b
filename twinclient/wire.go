package twinclient

import (
	"pack.ag/amqp"

	"github.com/pkg/errors"
)

// opKind discriminates a twin operation record, spec.md §9's
// re-expression of the source's union-of-struct-pointers as a tagged
// variant.
type opKind int

const (
	opPatch opKind = iota
	opGet
	opGetOnDemand
	opPut
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opPatch:
		return "PATCH"
	case opGet, opGetOnDemand:
		return "GET"
	case opPut:
		return "PUT"
	case opDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

const (
	resourceReported = "/properties/reported"
	resourceDesired  = "/notifications/twin/properties/desired"

	annoOperation = "operation"
	annoResource  = "resource"
	annoStatus    = "status"
	annoVersion   = "version"
)

// requestBodyPlaceholder is the one-byte body used for operations that
// carry no payload (GET, PUT, DELETE).
var requestBodyPlaceholder = []byte{0x20}

// encodeRequest builds the outbound AMQP message for one operation.
func encodeRequest(kind opKind, correlationID string, body []byte) *amqp.Message {
	var resource string
	var data []byte
	switch kind {
	case opPatch:
		resource = resourceReported
		data = body
	case opPut, opDelete:
		resource = resourceDesired
		data = requestBodyPlaceholder
	default: // GET, GET_ON_DEMAND
		data = requestBodyPlaceholder
	}

	return &amqp.Message{
		Annotations: amqp.Annotations{
			annoOperation: kind.String(),
			annoResource:  resource,
		},
		Properties: &amqp.MessageProperties{
			CorrelationID: correlationID,
		},
		Data: [][]byte{data},
	}
}

// response is a decoded inbound twin message.
type response struct {
	correlationID string
	hasStatus     bool
	status        int
	body          []byte
}

// decodeResponse extracts the fields the subscription/operation
// handlers need. A string or UUID correlation id is taken in its
// string form and any other type is an error; twin responses, unlike
// streaming's, are never parsed back into UUID binary.
func decodeResponse(msg *amqp.Message) (response, error) {
	var r response
	if msg.Properties != nil && msg.Properties.CorrelationID != nil {
		switch v := msg.Properties.CorrelationID.(type) {
		case string:
			r.correlationID = v
		case amqp.UUID:
			r.correlationID = v.String()
		default:
			return r, errors.Errorf("twinclient: unsupported correlation id type %T", v)
		}
	}
	if status, ok := msg.Annotations[annoStatus]; ok {
		switch v := status.(type) {
		case int:
			r.status, r.hasStatus = v, true
		case int32:
			r.status, r.hasStatus = int(v), true
		case int64:
			r.status, r.hasStatus = int(v), true
		}
	}
	if len(msg.Data) > 0 {
		r.body = msg.Data[0]
	}
	return r, nil
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}
