package handshake

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmperr"
)

const proxyPreamblePrefix = 0xF3

// maxProxyPreambleLen caps the declared address length of a proxy
// preamble; a larger value is not a plausible address and rejects the
// connection.
const maxProxyPreambleLen = 1024

// StripProxyPreamble consumes an optional proxy preamble ahead of the
// RTMP version byte: a 0xF3 marker, a 2-byte big-endian address length,
// and that many bytes of address data. If the first byte read is not
// the marker, it is unread and the caller sees an untouched stream.
func StripProxyPreamble(r *bufio.Reader) (proxiedAddress []byte, err error) {
	marker, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if marker[0] != proxyPreamblePrefix {
		return nil, nil
	}

	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	addrLen := binary.BigEndian.Uint16(header[1:3])
	if addrLen > maxProxyPreambleLen {
		return nil, fmt.Errorf("handshake: proxy preamble exceeds max size, len=%d: %w", addrLen, rtmperr.ErrWireProtocol)
	}
	addr := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addr); err != nil {
		return nil, err
	}

	return addr, nil
}
