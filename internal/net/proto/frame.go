package proto

import (
	stdjson "encoding/json"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

// CompressThreshold is the payload size above which frames are zstd-packed.
const CompressThreshold = 1024

const maxDecodedPayload = 8 << 20

// Frame is the unit every transport moves. From is stamped by the receiving
// side of the transport, never trusted from the sender.
type Frame struct {
	Ver     int                `json:"v"`
	Channel Channel            `json:"ch"`
	Entity  EntityID           `json:"e,omitempty"`
	From    ParticipantID      `json:"from,omitempty"`
	Payload stdjson.RawMessage `json:"p,omitempty"`
	Packed  []byte             `json:"z,omitempty"`
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedPayload))
	})
	return encoder, decoder, codecErr
}

// NewFrame builds a frame around an encoded payload, compressing it when it
// is large.
func NewFrame(channel Channel, entity EntityID, payload []byte) (Frame, error) {
	frame := Frame{Ver: Version, Channel: channel, Entity: entity}
	if len(payload) == 0 {
		return frame, nil
	}
	if len(payload) <= CompressThreshold {
		frame.Payload = append(stdjson.RawMessage(nil), payload...)
		return frame, nil
	}
	enc, _, err := codec()
	if err != nil {
		return Frame{}, eris.Wrap(err, "proto: zstd init")
	}
	frame.Packed = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	return frame, nil
}

// Body returns the frame's payload, decompressing it when packed.
func (f Frame) Body() ([]byte, error) {
	if len(f.Packed) == 0 {
		return f.Payload, nil
	}
	_, dec, err := codec()
	if err != nil {
		return nil, eris.Wrap(err, "proto: zstd init")
	}
	out, err := dec.DecodeAll(f.Packed, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "proto: unpack %s", f.Channel)
	}
	return out, nil
}

// EncodeFrame renders a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Channel == "" {
		return nil, eris.New("proto: frame without channel")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, eris.Wrap(err, "proto: encode frame")
	}
	return data, nil
}

// DecodeFrame parses a frame from the wire.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, eris.New("proto: empty frame")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, eris.Wrap(err, "proto: decode frame")
	}
	if f.Channel == "" {
		return Frame{}, eris.New("proto: frame without channel")
	}
	return f, nil
}
