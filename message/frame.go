package message

import (
	"bytes"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/opd-ai/densecore/limits"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size of the whole-message digest carried in every frame.
const DigestSize = blake2b.Size256

// Frame is one sequenced-mode write.
type Frame struct {
	Transfer []byte `cbor:"1,keyasint"`
	Seq      uint16 `cbor:"2,keyasint"`
	Total    uint16 `cbor:"3,keyasint"`
	Digest   []byte `cbor:"4,keyasint"`
	Payload  []byte `cbor:"5,keyasint"`
}

// TransferID returns the frame's transfer identifier.
func (f *Frame) TransferID() uuid.UUID {
	id, _ := uuid.FromBytes(f.Transfer)
	return id
}

// Ack acknowledges receipt of one frame.
type Ack struct {
	Transfer []byte `cbor:"1,keyasint"`
	Seq      uint16 `cbor:"2,keyasint"`
}

// TransferID returns the acknowledged transfer identifier.
func (a *Ack) TransferID() uuid.UUID {
	id, _ := uuid.FromBytes(a.Transfer)
	return id
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error

	frameEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR encoder mode: %v", err))
	}

	frameDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR decoder mode: %v", err))
	}
}

// Digest returns the blake2b-256 digest of msg.
func Digest(msg []byte) []byte {
	sum := blake2b.Sum256(msg)
	return sum[:]
}

// frameOverhead is the encoded size of a frame minus its payload, assuming
// the widest sequence fields and a payload length header of three bytes.
func frameOverhead() int {
	f := Frame{
		Transfer: make([]byte, 16),
		Seq:      math.MaxUint16,
		Total:    math.MaxUint16,
		Digest:   make([]byte, DigestSize),
		Payload:  []byte{},
	}
	data, err := frameEncMode.Marshal(&f)
	if err != nil {
		return 0
	}
	return len(data) + 2
}

// NewFrames splits msg into frames that each encode to at most writeSize
// bytes, under a fresh transfer ID.
func NewFrames(msg []byte, writeSize int) (uuid.UUID, []Frame, error) {
	if err := limits.ValidateEnvelope(msg); err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}

	overhead := frameOverhead()
	per := writeSize - overhead
	if overhead == 0 || per <= 0 {
		return uuid.Nil, nil, fmt.Errorf("%w: write size %d leaves no room for payload", ErrTooLarge, writeSize)
	}

	total := (len(msg) + per - 1) / per
	if total > limits.MaxFrames {
		return uuid.Nil, nil, fmt.Errorf("%w: %d frames exceeds %d", ErrTooLarge, total, limits.MaxFrames)
	}

	id := uuid.New()
	digest := Digest(msg)
	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * per
		end := min(start+per, len(msg))
		frames = append(frames, Frame{
			Transfer: id[:],
			Seq:      uint16(i),
			Total:    uint16(total),
			Digest:   digest,
			Payload:  append([]byte(nil), msg[start:end]...),
		})
	}
	return id, frames, nil
}

// EncodeFrame serializes a frame.
func EncodeFrame(f *Frame) ([]byte, error) {
	return frameEncMode.Marshal(f)
}

// DecodeFrame parses and validates a frame received from a peer.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := frameDecMode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(f.Transfer) != 16 {
		return nil, fmt.Errorf("%w: transfer id is %d bytes", ErrMalformedMessage, len(f.Transfer))
	}
	if f.Total == 0 || f.Seq >= f.Total {
		return nil, fmt.Errorf("%w: frame %d of %d", ErrMalformedMessage, f.Seq, f.Total)
	}
	if len(f.Digest) != DigestSize {
		return nil, fmt.Errorf("%w: digest is %d bytes", ErrMalformedMessage, len(f.Digest))
	}
	if len(f.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty frame payload", ErrMalformedMessage)
	}
	return &f, nil
}

// EncodeAck serializes an acknowledgement.
func EncodeAck(a *Ack) ([]byte, error) {
	return frameEncMode.Marshal(a)
}

// DecodeAck parses an acknowledgement received from a peer.
func DecodeAck(data []byte) (*Ack, error) {
	var a Ack
	if err := frameDecMode.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(a.Transfer) != 16 {
		return nil, fmt.Errorf("%w: transfer id is %d bytes", ErrMalformedMessage, len(a.Transfer))
	}
	return &a, nil
}

// FrameAssembler collects the frames of one sequenced transfer.
type FrameAssembler struct {
	transfer uuid.UUID
	total    uint16
	digest   []byte
	frames   map[uint16][]byte
	size     int
}

// NewFrameAssembler starts a reassembly for the transfer first carries.
// first is not added; call Add with it.
func NewFrameAssembler(first *Frame) *FrameAssembler {
	return &FrameAssembler{
		transfer: first.TransferID(),
		total:    first.Total,
		digest:   append([]byte(nil), first.Digest...),
		frames:   make(map[uint16][]byte, first.Total),
	}
}

// Transfer returns the transfer being assembled.
func (a *FrameAssembler) Transfer() uuid.UUID {
	return a.transfer
}

// Received returns how many distinct frames have arrived.
func (a *FrameAssembler) Received() int {
	return len(a.frames)
}

// Add stores f. It returns the whole message once every frame has arrived
// and the digest matches, ErrIncomplete while frames are missing, and
// ErrMalformedMessage for frames that contradict the transfer. Duplicate
// frames are ignored.
func (a *FrameAssembler) Add(f *Frame) ([]byte, error) {
	if f.TransferID() != a.transfer {
		return nil, fmt.Errorf("%w: frame belongs to transfer %s", ErrMalformedMessage, f.TransferID())
	}
	if f.Total != a.total || !bytes.Equal(f.Digest, a.digest) {
		return nil, fmt.Errorf("%w: frame disagrees with transfer header", ErrMalformedMessage)
	}

	if _, dup := a.frames[f.Seq]; !dup {
		if a.size+len(f.Payload) > limits.MaxEnvelope {
			return nil, fmt.Errorf("%w: transfer exceeds %d bytes", ErrTooLarge, limits.MaxEnvelope)
		}
		a.frames[f.Seq] = append([]byte(nil), f.Payload...)
		a.size += len(f.Payload)
	}

	if len(a.frames) < int(a.total) {
		return nil, ErrIncomplete
	}

	msg := make([]byte, 0, a.size)
	for seq := uint16(0); seq < a.total; seq++ {
		msg = append(msg, a.frames[seq]...)
	}
	if !bytes.Equal(Digest(msg), a.digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrMalformedMessage)
	}
	return msg, nil
}
