package fbb

// Callbacks provides hooks for forwarding session events.
// All callbacks are optional - nil callbacks use default behavior.
type Callbacks struct {
	// OnMessageReceived is called after a proposed message body has
	// been received and decoded into the inbound queue.
	OnMessageReceived func(msg *Message)

	// OnMessageSent is called after the remote accepted a proposal
	// and the message body was sent.
	OnMessageSent func(msg *Message)

	// OnProposal is called for each remote proposal line together
	// with the FS status code this side answered.
	OnProposal func(p *Proposal, code byte)

	// OnError is called when a non-fatal error occurs.
	// context describes where the error occurred.
	OnError func(err error, context string)
}

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnMessageReceived: func(*Message) {},
		OnMessageSent:     func(*Message) {},
		OnProposal:        func(*Proposal, byte) {},
		OnError:           func(error, string) {},
	}
}

// mergeCallbacks fills nil hooks with defaults so the session never
// nil-checks before calling.
func mergeCallbacks(cb *Callbacks) *Callbacks {
	merged := defaultCallbacks()
	if cb == nil {
		return merged
	}
	if cb.OnMessageReceived != nil {
		merged.OnMessageReceived = cb.OnMessageReceived
	}
	if cb.OnMessageSent != nil {
		merged.OnMessageSent = cb.OnMessageSent
	}
	if cb.OnProposal != nil {
		merged.OnProposal = cb.OnProposal
	}
	if cb.OnError != nil {
		merged.OnError = cb.OnError
	}
	return merged
}
