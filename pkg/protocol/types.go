package protocol

// Signaling message types.
const (
	TypeCreateID   = "create-id"
	TypeIDCreated  = "id-created"
	TypeIDExists   = "id-exists"
	TypeJoinID     = "join-id"
	TypeSenderInfo = "sender-info"
	TypeIDNotFound = "id-not-found"
	TypeIDFull     = "id-full"
	TypeShareEnded = "share-ended"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeSignal     = "signal"
	TypeError      = "error"

	TypeTurnCredentials = "turn-credentials"
)

// ServerPeerID is the From value on envelopes generated by the signaling
// server. Replies to create-id and join-id reuse the request's msg_id so the
// client can match them to the pending request.
const ServerPeerID = "server"

// Error codes carried in Error payloads.
const (
	CodeBadRequest   = "bad_request"
	CodePeerNotFound = "peer_not_found"
	CodeRateLimited  = "rate_limited"
	CodeLimitReached = "limit_reached"
	CodeInternal     = "internal"
)
