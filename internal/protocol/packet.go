package protocol

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// packetIO frames payloads onto the socket: 3-byte little-endian length,
// 1-byte sequence id, payload. Payloads of MaxPayloadLen or more split across
// consecutive frames; a trailing empty frame terminates an exact multiple.
// The sequence id resets to 0 at the start of every client command and
// increments per physical frame in both directions.
type packetIO struct {
	conn        net.Conn
	br          *bufio.Reader
	sequence    uint8
	readTimeout time.Duration
	maxPacket   int
}

func newPacketIO(conn net.Conn, readTimeout time.Duration) *packetIO {
	return &packetIO{
		conn:        conn,
		br:          bufio.NewReaderSize(conn, 16*1024),
		readTimeout: readTimeout,
		maxPacket:   DefaultMaxAllowedPacket,
	}
}

// replaceConn swaps the underlying socket (TLS upgrade) keeping the sequence.
func (p *packetIO) replaceConn(conn net.Conn) {
	p.conn = conn
	p.br = bufio.NewReaderSize(conn, 16*1024)
}

// resetSequence starts a fresh client command.
func (p *packetIO) resetSequence() {
	p.sequence = 0
}

// readPacket reassembles one full payload, following split frames.
func (p *packetIO) readPacket() ([]byte, error) {
	var payload []byte
	for {
		if p.readTimeout > 0 {
			if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
				return nil, sqlerr.Wrap(sqlerr.KindTransientConnection, err, "setting read deadline")
			}
		}
		var header [4]byte
		if _, err := io.ReadFull(p.br, header[:]); err != nil {
			return nil, readErr(err)
		}
		length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
		if header[3] != p.sequence {
			return nil, sqlerr.New(sqlerr.KindProtocolViolation,
				"out-of-order frame: sequence %d, expected %d", header[3], p.sequence)
		}
		p.sequence++

		if length == 0 {
			return payload, nil
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(p.br, frame); err != nil {
			return nil, readErr(err)
		}
		if payload == nil && length < MaxPayloadLen {
			return frame, nil
		}
		payload = append(payload, frame...)
		if length < MaxPayloadLen {
			return payload, nil
		}
	}
}

// writePacket frames and sends one payload, splitting as needed. Payloads
// beyond the negotiated max_allowed_packet are rejected before any bytes hit
// the wire.
func (p *packetIO) writePacket(payload []byte) error {
	if len(payload) > p.maxPacket {
		return sqlerr.New(sqlerr.KindData,
			"payload of %d bytes exceeds max_allowed_packet (%d)", len(payload), p.maxPacket)
	}
	for {
		chunk := payload
		if len(chunk) >= MaxPayloadLen {
			chunk = chunk[:MaxPayloadLen]
		}
		header := [4]byte{byte(len(chunk)), byte(len(chunk) >> 8), byte(len(chunk) >> 16), p.sequence}
		if _, err := p.conn.Write(header[:]); err != nil {
			return sqlerr.Wrap(sqlerr.KindTransientConnection, err, "writing frame header")
		}
		if len(chunk) > 0 {
			if _, err := p.conn.Write(chunk); err != nil {
				return sqlerr.Wrap(sqlerr.KindTransientConnection, err, "writing frame")
			}
		}
		p.sequence++
		payload = payload[len(chunk):]
		if len(chunk) < MaxPayloadLen {
			return nil
		}
		// A payload that is an exact multiple of the frame ceiling needs a
		// trailing empty frame, which the loop emits on its final pass.
	}
}

// writeCommand resets the sequence and sends a command byte plus payload.
func (p *packetIO) writeCommand(cmd byte, arg []byte) error {
	p.resetSequence()
	buf := make([]byte, 0, 1+len(arg))
	buf = append(buf, cmd)
	buf = append(buf, arg...)
	return p.writePacket(buf)
}

func readErr(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return sqlerr.Timeout(sqlerr.TimeoutRead, "socket read: %v", err)
	}
	return sqlerr.Wrap(sqlerr.KindTransientConnection, err, "socket read")
}
