// Package telnet implements a transport-agnostic RFC 854 byte codec with
// RFC 1143 (Q-Method) option negotiation. It never performs I/O of its own;
// callers feed it inbound bytes and drain the replies it wants sent.
package telnet

import "errors"

// ErrProtocol is recorded in Codec.LastErr when Feed detects a violation
// (an oversized subnegotiation payload).
var ErrProtocol = errors.New("telnet: protocol error")

// Telnet protocol constants (RFC 854, RFC 855).
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Subnegotiation Begin
	SE   byte = 240 // Subnegotiation End
)

// Supported options (spec.md §6.3).
const (
	OptEcho     byte = 1
	OptSGA      byte = 3 // Suppress Go-Ahead
	OptTermType byte = 24
	OptNAWS     byte = 31
	OptLinemode byte = 34
)

const (
	termTypeIS   byte = 0
	termTypeSend byte = 1
)

// maxSubnegotiation bounds subnegotiation payloads; exceeding it is a
// ProtocolError (spec.md §7, §8).
const maxSubnegotiation = 1024

// parseState is the byte-level IAC state machine (spec.md §4.B).
type parseState int

const (
	stateData parseState = iota
	stateIAC
	stateCommand
	stateSubNegOpt
	stateSubNeg
	stateSubNegIAC
)

// side is which end of the connection an option state applies to.
type side int

const (
	sideLocal  side = iota // things *we* (the server) do
	sideRemote             // things the *client* does
)

// negState is the Q-Method (RFC 1143) state for one side of one option.
type negState int

const (
	negNo negState = iota
	negYes
	negWantNo
	negWantYes
)

type optionState struct {
	local, remote             negState
	localQueued, remoteQueued bool // an opposite request queued behind WantYes/WantNo
}

// Codec is a per-session Telnet parser/emitter. It is not safe for
// concurrent use; a session drives it from a single goroutine (spec.md §5).
type Codec struct {
	state      parseState
	pendingCmd byte
	sbOption   byte
	sbData     []byte

	options map[byte]*optionState

	TermType string
	Width    int
	Height   int
	LastErr  error // set to ErrProtocol when Feed detects a violation
}

// NewCodec creates a codec with all options in their default (No/No) state.
func NewCodec() *Codec {
	return &Codec{
		state:   stateData,
		options: make(map[byte]*optionState),
	}
}

func (c *Codec) opt(o byte) *optionState {
	s, ok := c.options[o]
	if !ok {
		s = &optionState{}
		c.options[o] = s
	}
	return s
}

// willDo returns the 3-byte IAC sequence for a command+option pair.
func willDo(cmd, opt byte) []byte {
	return []byte{IAC, cmd, opt}
}

// InitialNegotiation returns the negotiation the server sends immediately
// after the welcome banner (spec.md §4.B): DO/WILL SGA, WILL ECHO, DO
// TERM-TYPE, DO NAWS. Each offer is recorded as WantYes so replies
// are matched via the Q-Method instead of re-offered.
func (c *Codec) InitialNegotiation() []byte {
	var out []byte

	// DO SUPPRESS-GO-AHEAD
	o := c.opt(OptSGA)
	o.remote = negWantYes
	out = append(out, willDo(DO, OptSGA)...)

	// WILL SUPPRESS-GO-AHEAD
	o.local = negWantYes
	out = append(out, willDo(WILL, OptSGA)...)

	// WILL ECHO (server echoes, client should not)
	eo := c.opt(OptEcho)
	eo.local = negWantYes
	out = append(out, willDo(WILL, OptEcho)...)

	// DO TERMINAL-TYPE
	to := c.opt(OptTermType)
	to.remote = negWantYes
	out = append(out, willDo(DO, OptTermType)...)

	// DO NAWS
	no := c.opt(OptNAWS)
	no.remote = negWantYes
	out = append(out, willDo(DO, OptNAWS)...)

	return out
}

// EchoEnabled reports whether the server's WILL ECHO has negotiated to Yes,
// i.e. whether the server is the one echoing and the client has agreed to
// suppress its own local echo.
func (c *Codec) EchoEnabled() bool {
	o, ok := c.options[OptEcho]
	return ok && o.local == negYes
}

// RequestTermType returns the subnegotiation asking the peer to send its
// terminal type. Call it once TERMINAL-TYPE has negotiated to Yes.
func (c *Codec) RequestTermType() []byte {
	return []byte{IAC, SB, OptTermType, termTypeSend, IAC, SE}
}

// supportedOption reports whether the codec agrees to enable an option
// when the peer requests it from a No state.
func supportedOption(opt byte) bool {
	switch opt {
	case OptEcho, OptSGA, OptTermType, OptNAWS, OptLinemode:
		return true
	default:
		return false
	}
}

// handleCommand applies one WILL/WONT/DO/DONT to the Q-Method state table
// (RFC 1143) and returns any IAC reply it produces. Invariant: a request is
// never issued while one is already outstanding for the same side of the
// same option — WantYes/WantNo only ever resolve in response to a peer
// reply, they never re-issue on their own.
func (c *Codec) handleCommand(cmd, opt byte) []byte {
	switch cmd {
	case WILL:
		return c.receiveEnable(sideRemote, opt, DO, DONT)
	case WONT:
		return c.receiveDisable(sideRemote, opt, DO, DONT)
	case DO:
		return c.receiveEnable(sideLocal, opt, WILL, WONT)
	case DONT:
		return c.receiveDisable(sideLocal, opt, WILL, WONT)
	}
	return nil
}

func fieldFor(o *optionState, s side) (*negState, *bool) {
	if s == sideLocal {
		return &o.local, &o.localQueued
	}
	return &o.remote, &o.remoteQueued
}

// receiveEnable handles an incoming WILL (s == sideRemote) or DO
// (s == sideLocal): the peer announcing, or asking us, to turn an option
// on. agreeCmd/declineCmd are the command bytes (DO/DONT for a remote
// announcement, WILL/WONT for a local request) this side replies with.
func (c *Codec) receiveEnable(s side, opt byte, agreeCmd, declineCmd byte) []byte {
	o := c.opt(opt)
	state, queued := fieldFor(o, s)

	switch *state {
	case negNo:
		if supportedOption(opt) {
			*state = negYes
			return willDo(agreeCmd, opt)
		}
		return willDo(declineCmd, opt)

	case negYes:
		// Already enabled; duplicate announcement.

	case negWantNo:
		if !*queued {
			*state = negNo
		} else {
			*state = negYes
			*queued = false
		}

	case negWantYes:
		if !*queued {
			*state = negYes
		} else {
			*state = negWantNo
			*queued = false
			return willDo(declineCmd, opt)
		}
	}
	return nil
}

// receiveDisable handles an incoming WONT (s == sideRemote) or DONT
// (s == sideLocal): the peer announcing, or asking us, to turn an option
// off.
func (c *Codec) receiveDisable(s side, opt byte, agreeCmd, declineCmd byte) []byte {
	o := c.opt(opt)
	state, queued := fieldFor(o, s)

	switch *state {
	case negNo:
		// Already disabled.

	case negYes:
		*state = negNo
		return willDo(declineCmd, opt)

	case negWantNo:
		if !*queued {
			*state = negNo
		} else {
			*state = negWantYes
			*queued = false
			return willDo(agreeCmd, opt)
		}

	case negWantYes:
		*state = negNo
		*queued = false
	}
	return nil
}

// Feed processes inbound bytes, stripping Telnet sequences and returning
// the clean application payload alongside any negotiation replies the
// codec wants sent back. It never blocks and never returns partial state:
// call it once per read and flush the replies before the next read.
func (c *Codec) Feed(data []byte) (clean []byte, replies []byte) {
	clean = make([]byte, 0, len(data))

	for _, b := range data {
		switch c.state {
		case stateData:
			if b == IAC {
				c.state = stateIAC
			} else {
				clean = append(clean, b)
			}

		case stateIAC:
			switch b {
			case IAC:
				clean = append(clean, 0xFF)
				c.state = stateData
			case WILL, WONT, DO, DONT:
				c.pendingCmd = b
				c.state = stateCommand
			case SB:
				c.sbData = c.sbData[:0]
				c.state = stateSubNegOpt
			default:
				// NOP, GA, and other two-byte commands: consumed silently.
				c.state = stateData
			}

		case stateCommand:
			replies = append(replies, c.handleCommand(c.pendingCmd, b)...)
			c.state = stateData

		case stateSubNegOpt:
			c.sbOption = b
			c.state = stateSubNeg

		case stateSubNeg:
			if b == IAC {
				c.state = stateSubNegIAC
			} else if len(c.sbData) < maxSubnegotiation {
				c.sbData = append(c.sbData, b)
			} else {
				c.LastErr = ErrProtocol
			}

		case stateSubNegIAC:
			switch b {
			case SE:
				c.handleSubnegotiation()
				c.state = stateData
			case IAC:
				if len(c.sbData) < maxSubnegotiation {
					c.sbData = append(c.sbData, IAC)
				}
				c.state = stateSubNeg
			default:
				// Malformed: treat as end of subnegotiation.
				c.state = stateData
			}
		}
	}

	return clean, replies
}

// handleSubnegotiation interprets a completed SB...SE payload according to
// its option byte, updating TermType/Width/Height.
func (c *Codec) handleSubnegotiation() {
	switch c.sbOption {
	case OptTermType:
		if len(c.sbData) >= 1 && c.sbData[0] == termTypeIS {
			c.TermType = string(c.sbData[1:])
		}
	case OptNAWS:
		if len(c.sbData) >= 4 {
			c.Width = int(c.sbData[0])<<8 | int(c.sbData[1])
			c.Height = int(c.sbData[2])<<8 | int(c.sbData[3])
		}
	}
}

// Encode escapes any literal 0xFF in outbound application data so the
// Telnet layer on the other end does not mistake it for IAC.
func (c *Codec) Encode(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == IAC {
			out = append(out, IAC, IAC)
		} else {
			out = append(out, b)
		}
	}
	return out
}
