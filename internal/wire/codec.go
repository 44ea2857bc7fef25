// Package wire encodes consensus messages in the scabbard wire format.
//
// A frame is a 4-byte big-endian length followed by a protobuf-encoded
// ConsensusMessage (see consensus.proto). The message set is small and fixed,
// so the codec writes the protobuf encoding directly with protowire instead of
// going through generated types.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/scabbard/internal/twopc"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4

	// MaxFrameSize bounds the accepted payload length.
	MaxFrameSize = 16 << 20
)

// Field numbers inside the per-kind sub-messages.
const (
	fieldEpoch    protowire.Number = 1
	fieldValue    protowire.Number = 2
	fieldResponse protowire.Number = 2
)

var (
	// ErrUnknownMessage is returned for a ConsensusMessage with no known
	// oneof member.
	ErrUnknownMessage = errors.New("unknown consensus message")

	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrTruncated is returned when a frame is shorter than its prefix says.
	ErrTruncated = errors.New("truncated frame")
)

// Marshal returns the protobuf encoding of msg without a length prefix.
func Marshal(msg twopc.Message) ([]byte, error) {
	var body []byte
	if msg.Epoch != 0 {
		body = protowire.AppendTag(body, fieldEpoch, protowire.VarintType)
		body = protowire.AppendVarint(body, msg.Epoch)
	}

	switch msg.Kind {
	case twopc.MessageVoteRequest:
		if len(msg.Value) > 0 {
			body = protowire.AppendTag(body, fieldValue, protowire.BytesType)
			body = protowire.AppendBytes(body, msg.Value)
		}
	case twopc.MessageVoteResponse:
		if msg.Vote {
			body = protowire.AppendTag(body, fieldResponse, protowire.VarintType)
			body = protowire.AppendVarint(body, protowire.EncodeBool(msg.Vote))
		}
	case twopc.MessageCommit, twopc.MessageAbort, twopc.MessageDecisionRequest:
	default:
		return nil, fmt.Errorf("marshal: %w: kind %d", ErrUnknownMessage, int(msg.Kind))
	}

	out := protowire.AppendTag(nil, protowire.Number(msg.Kind), protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Unmarshal decodes a protobuf ConsensusMessage. Unknown fields are skipped;
// if several oneof members are present the last one wins, as in protobuf.
func Unmarshal(b []byte) (twopc.Message, error) {
	var (
		msg   twopc.Message
		found bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return twopc.Message{}, fmt.Errorf("unmarshal: %w", protowire.ParseError(n))
		}
		b = b[n:]

		kind := twopc.MessageKind(num)
		if typ != protowire.BytesType || kind < twopc.MessageVoteRequest || kind > twopc.MessageDecisionRequest {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return twopc.Message{}, fmt.Errorf("unmarshal: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return twopc.Message{}, fmt.Errorf("unmarshal: %w", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := unmarshalBody(kind, body)
		if err != nil {
			return twopc.Message{}, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		msg, found = m, true
	}
	if !found {
		return twopc.Message{}, fmt.Errorf("unmarshal: %w", ErrUnknownMessage)
	}
	return msg, nil
}

func unmarshalBody(kind twopc.MessageKind, b []byte) (twopc.Message, error) {
	msg := twopc.Message{Kind: kind}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			msg.Epoch = v
			b = b[n:]
		case num == fieldValue && typ == protowire.BytesType && kind == twopc.MessageVoteRequest:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			msg.Value = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldResponse && typ == protowire.VarintType && kind == twopc.MessageVoteResponse:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			msg.Vote = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msg, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return msg, nil
}

// EncodeFrame returns msg with its length prefix.
func EncodeFrame(msg twopc.Message) ([]byte, error) {
	body, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...), nil
}

// DecodeFrame decodes exactly one length-prefixed frame.
func DecodeFrame(frame []byte) (twopc.Message, error) {
	if len(frame) < HeaderSize {
		return twopc.Message{}, fmt.Errorf("decode frame: %w: %d header bytes", ErrTruncated, len(frame))
	}
	size := binary.BigEndian.Uint32(frame)
	if size > MaxFrameSize {
		return twopc.Message{}, fmt.Errorf("decode frame: %w: %d bytes", ErrFrameTooLarge, size)
	}
	body := frame[HeaderSize:]
	if uint32(len(body)) != size {
		return twopc.Message{}, fmt.Errorf("decode frame: %w: header says %d bytes, have %d", ErrTruncated, size, len(body))
	}
	return Unmarshal(body)
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, msg twopc.Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one framed message from r.
func ReadFrame(r io.Reader) (twopc.Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return twopc.Message{}, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return twopc.Message{}, fmt.Errorf("read frame: %w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return twopc.Message{}, fmt.Errorf("read frame: %w", ErrTruncated)
		}
		return twopc.Message{}, fmt.Errorf("read frame body: %w", err)
	}
	return Unmarshal(body)
}
