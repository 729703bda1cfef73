// Package ipc defines the wire contracts shared by the framecast host and its
// views: frame addresses, frame records, message envelopes and the reserved
// control channels.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Reserved control channels. Application channels must not use the "ipc:" prefix.
const (
	// ChannelGetSubFrames is a request with no arguments answered with the
	// host's current []FrameRecord.
	ChannelGetSubFrames = "ipc:get-sub-frames"
	// ChannelRegisterFrame is a request carrying one FrameDescriptor.
	ChannelRegisterFrame = "ipc:register-frame"
	// ChannelUnregisterFrame is a send carrying one FrameAddress.
	ChannelUnregisterFrame = "ipc:unregister-frame"
	// ChannelViewsChanged is pushed by the host with the live view process ids.
	ChannelViewsChanged = "ipc:views-changed"

	ReservedPrefix = "ipc:"
)

// FrameAddress identifies one sub-context within one view process.
type FrameAddress struct {
	ProcessID int `json:"processId"`
	FrameID   int `json:"frameId"`
}

func (a FrameAddress) String() string { return fmt.Sprintf("%d/%d", a.ProcessID, a.FrameID) }

// FrameRecord is the host's entry for one registered sub-context.
type FrameRecord struct {
	Address   FrameAddress      `json:"address"`
	ClusterID string            `json:"clusterId"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy of r that shares no memory with it.
func (r FrameRecord) Clone() FrameRecord {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// FrameDescriptor is what a view sends when a sub-context announces itself.
type FrameDescriptor struct {
	ProcessID int               `json:"processId"`
	FrameID   int               `json:"frameId"`
	ClusterID string            `json:"clusterId"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Address returns the descriptor's frame address.
func (d FrameDescriptor) Address() FrameAddress {
	return FrameAddress{ProcessID: d.ProcessID, FrameID: d.FrameID}
}

// Record converts the descriptor into a FrameRecord.
func (d FrameDescriptor) Record() FrameRecord {
	return FrameRecord{Address: d.Address(), ClusterID: d.ClusterID, Metadata: d.Metadata}.Clone()
}

// Envelope is one logical message: a channel and its ordered arguments.
type Envelope struct {
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

// NewEnvelope serializes args into an Envelope.
func NewEnvelope(channel string, args ...any) (Envelope, error) {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Channel: channel, Args: raw}, nil
}

// EncodeArgs marshals each argument independently. Values that are already
// json.RawMessage are passed through unchanged.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if rm, ok := a.(json.RawMessage); ok {
			out = append(out, rm)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("%w: arg %d: %v", ErrSerialization, i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Arg decodes the i-th argument into v.
func (e Envelope) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("%w: channel %q has no arg %d", ErrSerialization, e.Channel, i)
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("%w: channel %q arg %d: %v", ErrSerialization, e.Channel, i, err)
	}
	return nil
}

// Reserved reports whether channel is one of the control channels.
func Reserved(channel string) bool {
	return len(channel) >= len(ReservedPrefix) && channel[:len(ReservedPrefix)] == ReservedPrefix
}
