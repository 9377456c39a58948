package fbb

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"
)

// MsgType classifies a forwarded message.
type MsgType string

const (
	// Personal is a private message to one station.
	Personal MsgType = "P"

	// Bulletin is a message addressed to a distribution area.
	Bulletin MsgType = "B"

	// Traffic is an NTS-style traffic message.
	Traffic MsgType = "T"
)

// Message is one unit of forwarded traffic.
//
// Content is logically an octet sequence restricted to the Latin-1
// range; the MID uniquely identifies the message within a forwarding
// relationship and drives duplicate suppression.
type Message struct {
	Type    MsgType
	From    string // originating callsign
	ToBBS   string // destination BBS callsign
	To      string // destination callsign
	MID     string // message identifier, unique per exchange
	Content string
}

// NewMessage builds and validates a message, normalizing station
// identifiers to uppercase. An empty MID is filled in with NewMID().
func NewMessage(msgType MsgType, from, toBBS, to, mid, content string) (*Message, error) {
	m := &Message{
		Type:    msgType,
		From:    strings.ToUpper(strings.TrimSpace(from)),
		ToBBS:   strings.ToUpper(strings.TrimSpace(toBBS)),
		To:      strings.ToUpper(strings.TrimSpace(to)),
		MID:     strings.TrimSpace(mid),
		Content: content,
	}
	if m.MID == "" {
		m.MID = NewMID()
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) validate() error {
	switch m.Type {
	case Personal, Bulletin, Traffic:
	default:
		return NewError(ErrConfiguration, "unknown message type "+string(m.Type))
	}
	for _, f := range []struct{ name, value string }{
		{"from callsign", m.From},
		{"destination BBS", m.ToBBS},
		{"destination callsign", m.To},
	} {
		if f.value == "" {
			return NewError(ErrConfiguration, "missing "+f.name)
		}
		if strings.ContainsAny(f.value, " \r\n") {
			return NewError(ErrConfiguration, "invalid "+f.name)
		}
	}
	if strings.ContainsAny(m.MID, " \r\n") {
		return NewError(ErrConfiguration, "invalid message identifier")
	}
	if _, err := encodeLatin1(m.Content); err != nil {
		return WrapError(ErrConfiguration, "content is not Latin-1", err)
	}
	return nil
}

// NewMID generates a message identifier suitable for the MID proposal
// field: 12 uppercase characters, unique per call.
func NewMID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:12]
}

// The FBB wire encoding is Latin-1: lines and bodies are single-byte
// sequences, never UTF-8. Transformers are per call; they are not
// safe for concurrent reuse.

func encodeLatin1(s string) ([]byte, error) {
	return charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
}

func decodeLatin1(b []byte) string {
	// every byte maps in ISO 8859-1, so this cannot fail
	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(b)
	return string(out)
}
