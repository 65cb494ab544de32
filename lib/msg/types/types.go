// Defines some constant values and types for message brokers.
package types

// Kinds of object for watch requests
const (
	EXIT    = -1
	WALLET  = 0
	TOKEN   = 1
	CHANNEL = 2
)

// Actions to be applied to objects for watch requests
const (
	LISTEN   = 0
	UNLISTEN = 1
)

// WatchReq defines the message that the api service publishes to the watcher to ask to monitor an object
type WatchReq struct {
	Module string `json:"module"`
	Kind   int    `json:"kind"` // kind of object
	Obj    string `json:"obj"`
	Act    int    `json:"act"` // action to be applied
}

// KindName returns the name used for a kind of object in session ids and store records.
func KindName(k int) string {
	switch k {
	case WALLET:
		return "wallet"
	case TOKEN:
		return "token"
	case CHANNEL:
		return "channel"
	}
	return "unknown"
}

// KindOf is the inverse of KindName, -1 for unknown names.
func KindOf(name string) int {
	switch name {
	case "wallet":
		return WALLET
	case "token":
		return TOKEN
	case "channel":
		return CHANNEL
	}
	return EXIT
}
