package protocol

// Kind discriminates which variant of the taxonomy an envelope carries.
type Kind string

const (
	KindHandshake  Kind = "handshake"
	KindIdentified Kind = "identified"
	KindMessage    Kind = "message"

	KindInvalidSecret      Kind = "invalid_secret"
	KindInvalidDestination Kind = "invalid_destination"
	KindInvalidPackage     Kind = "invalid_package"
	KindServerFault        Kind = "server_fault"
)

// ServerName is the reserved logical name of the hub itself.
const ServerName = "server"

var knownKinds = map[Kind]struct{}{
	KindHandshake:          {},
	KindIdentified:         {},
	KindMessage:            {},
	KindInvalidSecret:      {},
	KindInvalidDestination: {},
	KindInvalidPackage:     {},
	KindServerFault:        {},
}

// Known reports whether k belongs to the closed kind set.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsNotice reports whether k is one of the four server-generated failure notices.
func (k Kind) IsNotice() bool {
	switch k {
	case KindInvalidSecret, KindInvalidDestination, KindInvalidPackage, KindServerFault:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}
