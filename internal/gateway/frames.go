package gateway

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// maxFramePayload bounds a single inbound frame. Push events are small;
	// anything near this limit is a misbehaving client.
	maxFramePayload = 1 << 20

	maxControlPayload = 125
)

// readFrame decodes one WebSocket frame. It reads from the buffered reader
// handed back by the hijack, not the raw conn, so bytes the HTTP server
// buffered during the handshake are not lost.
func readFrame(r io.Reader) (opcode byte, payload []byte, err error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	fin := header[0]&0x80 != 0
	opcode = header[0] & 0x0F
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7F)

	if !fin {
		return 0, nil, fmt.Errorf("fragmented frames not supported")
	}
	if !masked {
		// RFC 6455 5.1: client frames must be masked.
		return 0, nil, fmt.Errorf("unmasked client frame")
	}

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if isControlOpcode(opcode) && length > maxControlPayload {
		return 0, nil, fmt.Errorf("control frame payload %d exceeds limit", length)
	}
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit", length)
	}

	var mask [4]byte
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return 0, nil, err
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= mask[i%4]
	}

	return opcode, payload, nil
}

// writeFrame encodes one server-to-client frame. Server frames are never
// masked.
func writeFrame(conn net.Conn, opcode byte, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}

	length := len(payload)
	header := make([]byte, 0, 10)
	header = append(header, 0x80|opcode)

	switch {
	case length <= 125:
		header = append(header, byte(length))
	case length <= 0xFFFF:
		header = append(header, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(length))
		header = append(header, ext[:]...)
	default:
		header = append(header, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		header = append(header, ext[:]...)
	}

	if _, err := conn.Write(header); err != nil {
		return err
	}
	if length > 0 {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func isControlOpcode(opcode byte) bool {
	return opcode >= opcodeClose
}
