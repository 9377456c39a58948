// Package fbb implements the F6FBB packet-radio BBS forwarding protocol.
//
// The FBB protocol is a session-oriented exchange between two stations
// that negotiate capabilities through SID strings, propose messages in
// batches of up to five, and move message bodies either as plain text
// or as an LZHUF-compressed binary stream. It is the lingua franca of
// amateur-radio BBS forwarding and of Winlink-compatible systems.
//
// The package is designed as a library: a Session drives the protocol
// over any Transport (TCP, KISS, AX.25 connected mode, AGWPE, SSH) and
// provides callback hooks for message delivery and error reporting.
package fbb

// Protocol tokens. All lines on the wire are CR-terminated and
// Latin-1 encoded.
const (
	// PropASCII proposes a message transferred as plain text,
	// terminated by a Ctrl-Z byte.
	PropASCII = "FA"

	// PropBinary proposes a message transferred as an LZHUF
	// compressed stream of the declared size.
	PropBinary = "FB"

	// PropB2F proposes a message using the Winlink B2F binary
	// framing (same compressed body, extended headers).
	PropB2F = "FC"

	// PropEnd terminates a proposal batch.
	PropEnd = "F>"

	// RespStatus prefixes the forwarding-status response line.
	RespStatus = "FS"

	// NoTraffic yields the turn: no more proposals from this side.
	NoTraffic = "FF"

	// Quit ends the session.
	Quit = "FQ"

	// ReverseRequest asks the remote to forward its traffic first.
	ReverseRequest = "FR"

	// ReverseAccept grants a reverse-forwarding request.
	ReverseAccept = "FR+"

	// ReverseReject refuses a reverse-forwarding request.
	ReverseReject = "FR-"

	// AuthChallenge prefixes the protected-mode challenge line.
	AuthChallenge = ";PQ"

	// AuthResponse prefixes the protected-mode response line.
	AuthResponse = ";PR"
)

// CtrlZ terminates an ASCII-mode message body.
const CtrlZ = 0x1A

// MaxProposals is the maximum number of proposal lines in one batch.
const MaxProposals = 5

// DefaultBlockCap is the soft cap on the cumulative payload size of
// one proposal batch.
const DefaultBlockCap = 256 * 1024

// Forwarding-status codes, one character per proposal line, in
// proposal order.
const (
	// StatusAccept accepts the message; the body follows.
	StatusAccept = '+'

	// StatusReject rejects a duplicate or stale message.
	StatusReject = '-'

	// StatusHold holds the message for local delivery.
	StatusHold = '='

	// StatusNoRoute rejects a message with no forwarding route.
	StatusNoRoute = 'R'

	// StatusDefer holds a message that would exceed the session
	// traffic limit.
	StatusDefer = 'H'

	// StatusError marks a malformed proposal line.
	StatusError = 'E'
)

// State identifies the phase of a forwarding session.
type State int

const (
	// Disconnected is the initial state, before the Transport is up.
	Disconnected State = iota

	// SidExchanged means both SID strings have been exchanged.
	SidExchanged

	// TurnMine means this side is building or sending proposals.
	TurnMine

	// TurnTheirs means this side is reading the remote's proposals.
	TurnTheirs

	// Closed is terminal: the session ended or failed.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case SidExchanged:
		return "sid-exchanged"
	case TurnMine:
		return "turn-mine"
	case TurnTheirs:
		return "turn-theirs"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
