package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// maxFrameSize bounds a single relayed message (4 MB).
	maxFrameSize = 4 << 20

	// maxTopicLen bounds the topic header.
	maxTopicLen = 255
)

// ErrFrameTooLarge is returned for frames above maxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Each message travels on its own unidirectional stream as
//
//	[4 bytes BE length][1 byte topic length][topic][data]
//
// where length covers everything after the prefix.

// encodeFrame packs topic and data into a single body.
func encodeFrame(topic string, data []byte) ([]byte, error) {
	if len(topic) == 0 || len(topic) > maxTopicLen {
		return nil, fmt.Errorf("topic length %d outside [1, %d]", len(topic), maxTopicLen)
	}

	body := make([]byte, 0, 1+len(topic)+len(data))
	body = append(body, byte(len(topic)))
	body = append(body, topic...)
	body = append(body, data...)

	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	return body, nil
}

// decodeFrame is the inverse of encodeFrame. data aliases body.
func decodeFrame(body []byte) (topic string, data []byte, err error) {
	if len(body) == 0 {
		return "", nil, fmt.Errorf("empty frame")
	}

	n := int(body[0])
	if n == 0 || len(body) < 1+n {
		return "", nil, fmt.Errorf("truncated topic header")
	}

	return string(body[1 : 1+n]), body[1+n:], nil
}

// writeFrame writes one length-prefixed body.
func writeFrame(w io.Writer, body []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed body.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body:\n%w", err)
	}

	return body, nil
}
