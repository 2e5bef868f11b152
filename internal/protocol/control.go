package protocol

import (
	"encoding/json"
	"errors"
)

// Control ops understood by the server when an application message is
// addressed to ServerName.
const (
	ControlPing    = "ping"
	ControlClients = "clients"
)

// Control is the payload of server-directed control traffic.
type Control struct {
	Op string `json:"op"`
}

// Pong answers ControlPing.
type Pong struct {
	Pong bool `json:"pong"`
}

// ClientList answers ControlClients.
type ClientList struct {
	Clients []string `json:"clients"`
}

// Failure is the application-level body a link replies with when its
// handler fails. It travels as an ordinary message payload. Failed is
// always true so a handler result that merely carries an "error" field is
// not mistaken for a failure.
type Failure struct {
	Failed bool   `json:"failed"`
	Error  string `json:"error"`
}

// FailurePayload wraps err as a Failure body.
func FailurePayload(err error) json.RawMessage {
	if err == nil {
		err = errors.New("unknown failure")
	}
	raw, _ := json.Marshal(Failure{Failed: true, Error: err.Error()})
	return raw
}

// DecodeFailure reports whether payload is exactly a Failure body and
// returns its message.
func DecodeFailure(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || len(fields) != 2 {
		return "", false
	}
	var failed bool
	if err := json.Unmarshal(fields["failed"], &failed); err != nil || !failed {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(fields["error"], &msg); err != nil {
		return "", false
	}
	return msg, true
}
