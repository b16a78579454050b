package streamingclient

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"pack.ag/amqp"
)

const (
	propStreamName = "IoThub-streaming-name"
	propHostname   = "IoThub-streaming-hostname"
	propPort       = "IoThub-streaming-port"
	propURL        = "IoThub-streaming-url"
	propAuthToken  = "IoThub-streaming-auth-token"
	propIsAccepted = "IoThub-streaming-is-accepted"

	apiVersion = "2016-11-14"
)

// responseBodyPlaceholder is the one-byte body AMQP requires on every
// message here, where no payload is meaningful.
var responseBodyPlaceholder = []byte{0x20}

// Request is a decoded cloud-to-device stream invitation.
type Request struct {
	RequestID          string
	StreamName         string
	GatewayHostname    string
	GatewayPort        int
	GatewayURL         string
	AuthorizationToken string
}

// Response is the application's accept/reject decision, echoing the
// request it answers.
type Response struct {
	Accept    bool
	RequestID string
}

// decodeRequest parses an inbound AMQP message into a Request. It fails
// if the correlation id is missing or of an unsupported AMQP type;
// unrecognized application-property keys are ignored.
func decodeRequest(msg *amqp.Message) (*Request, error) {
	requestID, err := decodeCorrelationID(msg)
	if err != nil {
		return nil, err
	}

	req := &Request{RequestID: requestID}
	for k, v := range msg.ApplicationProperties {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case propStreamName:
			req.StreamName = s
		case propHostname:
			req.GatewayHostname = s
		case propPort:
			if n, err := strconv.Atoi(s); err == nil {
				req.GatewayPort = n
			}
		case propURL:
			req.GatewayURL = s
		case propAuthToken:
			req.AuthorizationToken = s
		}
	}
	return req, nil
}

func decodeCorrelationID(msg *amqp.Message) (string, error) {
	if msg.Properties == nil || msg.Properties.CorrelationID == nil {
		return "", errors.New("streamingclient: message has no correlation id")
	}
	switch v := msg.Properties.CorrelationID.(type) {
	case amqp.UUID:
		return v.String(), nil
	case string:
		return v, nil
	default:
		return "", errors.Errorf("streamingclient: unsupported correlation id type %T", v)
	}
}

// encodeResponse builds the outgoing AMQP message for resp. The
// request id is parsed back into UUID binary form, which must
// round-trip bit-identically with what decodeRequest produced.
func encodeResponse(resp Response) (*amqp.Message, error) {
	uuid, err := parseUUID(resp.RequestID)
	if err != nil {
		return nil, errors.Wrap(err, "streamingclient: request id is not a UUID")
	}
	return &amqp.Message{
		Properties: &amqp.MessageProperties{
			CorrelationID: uuid,
		},
		ApplicationProperties: map[string]interface{}{
			propIsAccepted: resp.Accept,
		},
		Data: [][]byte{responseBodyPlaceholder},
	}, nil
}

// parseUUID parses the canonical "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"
// form produced by amqp.UUID.String back into its 16 raw bytes.
func parseUUID(s string) (amqp.UUID, error) {
	var u amqp.UUID
	hexDigits := strings.ReplaceAll(s, "-", "")
	if len(hexDigits) != 32 {
		return u, errors.Errorf("streamingclient: %q is not a well-formed UUID", s)
	}
	b, err := hex.DecodeString(hexDigits)
	if err != nil {
		return u, errors.Wrapf(err, "streamingclient: %q is not a well-formed UUID", s)
	}
	copy(u[:], b)
	return u, nil
}
