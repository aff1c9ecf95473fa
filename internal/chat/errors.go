package chat

import "errors"

// Failure taxonomy of the sync engine. Authentication errors are fatal
// for the current operation and require re-login; everything else is
// recovered locally and re-surfaced through the session snapshot.
var (
	ErrNotAuthenticated = errors.New("chat: missing or invalid credentials")
	ErrNotConnected     = errors.New("chat: transport not connected")
	ErrAlreadySending   = errors.New("chat: a send is already in flight")
	ErrSessionClosed    = errors.New("chat: session closed")
	ErrNotMediaKind     = errors.New("chat: kind does not take a media payload")
	ErrSendCanceled     = errors.New("chat: send canceled before emission")
)

// WarnSendUnconfirmed is the uncertain-outcome banner shown when a send
// ack never arrives within the bound. It is distinct from failure: the
// message may still land via the live-push path.
const WarnSendUnconfirmed = "send may have succeeded, no confirmation received"

// WarnJoinUnconfirmed is the analogous banner for a join whose ack
// never arrived.
const WarnJoinUnconfirmed = "room join not confirmed, still trying"
