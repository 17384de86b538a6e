package gossip

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"TrustMesh/internal/types"
)

// minFrameSize is the smallest buffer that can hold a root table offset.
const minFrameSize = 8

// Frame is the decoded gossip message.
type Frame struct {
	Topic   string    // Topic is the pub/sub topic the frame was published on
	Origin  string    // Origin is the KeyID of the publishing node
	SentAt  time.Time // SentAt is the publish time, millisecond precision
	Payload []byte    // Payload is the statement envelope
}

// EncodeFrame serializes f as a FlatBuffers table.
func EncodeFrame(f *Frame) []byte {
	b := flatbuffers.NewBuilder(len(f.Payload) + len(f.Topic) + len(f.Origin) + 64)

	topic := b.CreateString(f.Topic)
	origin := b.CreateString(f.Origin)
	payload := b.CreateByteVector(f.Payload)

	types.FrameStart(b)
	types.FrameAddTopic(b, topic)
	types.FrameAddOrigin(b, origin)
	types.FrameAddSentAt(b, uint64(f.SentAt.UnixMilli()))
	types.FrameAddPayload(b, payload)
	types.FinishFrameBuffer(b, types.FrameEnd(b))

	return b.FinishedBytes()
}

// DecodeFrame parses data produced by EncodeFrame. The returned payload is
// a copy and does not alias data.
func DecodeFrame(data []byte) (f *Frame, err error) {
	// FlatBuffers panics on malformed offsets.
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("malformed frame")
		}
	}()

	if len(data) < minFrameSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	fb := types.GetRootAsFrame(data, 0)

	payload := fb.PayloadBytes()
	if len(payload) == 0 {
		return nil, fmt.Errorf("frame has no payload")
	}

	return &Frame{
		Topic:   string(fb.Topic()),
		Origin:  string(fb.Origin()),
		SentAt:  time.UnixMilli(int64(fb.SentAt())).UTC(),
		Payload: append([]byte(nil), payload...),
	}, nil
}
