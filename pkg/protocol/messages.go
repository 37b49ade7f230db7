package protocol

// Error represents an error message in the signaling protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateID asks the server to register a share owned by the caller.
type CreateID struct {
	OwnerAddress string `json:"owner_address"`
}

// ShareRef names a share session. It is the payload of id-created, id-exists,
// join-id, id-not-found, id-full and share-ended.
type ShareRef struct {
	ID string `json:"id"`
}

// SenderInfo returns the owner's channel address to a resolving receiver.
type SenderInfo struct {
	ID           string `json:"id"`
	OwnerAddress string `json:"owner_address"`
}

// PeerEvent notifies a share owner that a participant joined or left.
type PeerEvent struct {
	ID     string `json:"id"`
	PeerID string `json:"peer_id"`
}

// Signal kinds relayed between peers during channel negotiation.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
)

// Signal carries an opaque session description between two peers.
type Signal struct {
	Kind string `json:"kind"`
	SDP  string `json:"sdp"`
}

// TurnCredentials carries short-lived TURN server URLs with embedded
// credentials, issued by the server right after a client connects.
type TurnCredentials struct {
	Servers   []string `json:"servers"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}
