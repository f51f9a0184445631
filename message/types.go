package message

import "fmt"

// Type tags a message as one of the request variants or one of the
// response variants.
type Type uint8

const (
	Request1 Type = iota
	Request2
	Request3
	Request4
	// RequestFF1 and RequestFF2 are fire-and-forget requests. The receiver
	// never answers them.
	RequestFF1
	RequestFF2
	OK
	PartiallyOK
	NotFound
	Denied
	UnknownID
	Exception
	Cancel
	User1
	User2
)

var typeNames = map[Type]string{
	Request1:    "REQUEST_1",
	Request2:    "REQUEST_2",
	Request3:    "REQUEST_3",
	Request4:    "REQUEST_4",
	RequestFF1:  "REQUEST_FF_1",
	RequestFF2:  "REQUEST_FF_2",
	OK:          "OK",
	PartiallyOK: "PARTIALLY_OK",
	NotFound:    "NOT_FOUND",
	Denied:      "DENIED",
	UnknownID:   "UNKNOWN_ID",
	Exception:   "EXCEPTION",
	Cancel:      "CANCEL",
	User1:       "USER1",
	User2:       "USER2",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t <= User2
}

// IsRequest reports whether t is one of the request variants.
func (t Type) IsRequest() bool {
	return t <= RequestFF2
}

// IsFireAndForget reports whether t is a request that expects no answer.
func (t Type) IsFireAndForget() bool {
	return t == RequestFF1 || t == RequestFF2
}

// IsOk reports whether t is a positive answer.
func (t Type) IsOk() bool {
	return t == OK || t == PartiallyOK
}

// IsNotOk reports whether t is a negative but valid answer.
func (t Type) IsNotOk() bool {
	return t == NotFound || t == Denied
}

// IsError reports whether t signals that the remote could not process the
// request.
func (t Type) IsError() bool {
	return t == UnknownID || t == Exception
}

// Command selects the remote procedure a request is addressed to.
type Command uint8

const (
	Ping Command = iota
	Neighbor
	DirectData
	Rcon
	Relay
	Broadcast
	Quit
)

var commandNames = map[Command]string{
	Ping:       "PING",
	Neighbor:   "NEIGHBOR",
	DirectData: "DIRECT_DATA",
	Rcon:       "RCON",
	Relay:      "RELAY",
	Broadcast:  "BROADCAST",
	Quit:       "QUIT",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND(%d)", uint8(c))
}

// AllowedOverRelayUDP reports whether a request with this command may be
// sent over UDP to a relayed peer. Only liveness and neighbor discovery
// traffic is small enough to be forwarded that way.
func (c Command) AllowedOverRelayUDP() bool {
	return c == Ping || c == Neighbor
}
