package fbb

import (
	"fmt"
	"strconv"
	"strings"
)

// Proposal is one row of a proposal batch, describing a candidate
// message: `FA|FB|FC <type> <from> <to_bbs> <to_call> <mid> <size>`.
// Size is the exact byte length of the (possibly compressed) payload
// that follows if the line is accepted.
type Proposal struct {
	Command string
	Type    MsgType
	From    string
	ToBBS   string
	To      string
	MID     string
	Size    int

	// sender side only
	msg        *Message
	payload    []byte
	contentLen int // uncompressed body size in Latin-1 octets
}

// String renders the proposal in wire format, without the CR.
func (p *Proposal) String() string {
	return fmt.Sprintf("%s %s %s %s %s %s %d",
		p.Command, p.Type, p.From, p.ToBBS, p.To, p.MID, p.Size)
}

// parseProposal parses one received proposal line. A malformed line
// (wrong token count, unknown command, non-integer size) is reported
// as a protocol error; the caller maps it to the FS code 'E' rather
// than aborting the session.
func parseProposal(line string) (*Proposal, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return nil, NewError(ErrProtocol, "proposal line has wrong field count")
	}
	switch fields[0] {
	case PropASCII, PropBinary, PropB2F:
	default:
		return nil, NewError(ErrProtocol, "unknown proposal command "+fields[0])
	}
	size, err := strconv.Atoi(fields[6])
	if err != nil || size < 0 {
		return nil, NewError(ErrProtocol, "invalid proposal size "+fields[6])
	}
	return &Proposal{
		Command: fields[0],
		Type:    MsgType(fields[1]),
		From:    strings.ToUpper(fields[2]),
		ToBBS:   strings.ToUpper(fields[3]),
		To:      strings.ToUpper(fields[4]),
		MID:     fields[5],
		Size:    size,
	}, nil
}

// binary reports whether the proposed body is a compressed stream
// rather than Ctrl-Z terminated text.
func (p *Proposal) binary() bool {
	return p.Command == PropBinary || p.Command == PropB2F
}

// parseStatusLine extracts the status codes from an `FS <codes>`
// response. A line not carrying the FS prefix is a protocol error.
func parseStatusLine(line string, want int) (string, error) {
	if !strings.HasPrefix(line, RespStatus+" ") {
		return "", NewError(ErrProtocol, "expected FS response, got "+strconv.Quote(line))
	}
	codes := strings.TrimSpace(line[len(RespStatus)+1:])
	if len(codes) != want {
		return "", NewError(ErrProtocol,
			fmt.Sprintf("FS response carries %d codes for %d proposals", len(codes), want))
	}
	return codes, nil
}
