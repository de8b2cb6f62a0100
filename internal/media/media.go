// Package media provides capture streams whose tracks feed transport negotiation instances
// and whose packets can be tapped by sinks such as the recorder.
package media

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Facing selects which camera of a device is used.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other camera.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// PacketSink receives every RTP packet a stream emits. WriteRTP is called from the capture
// goroutine and must not block or retain pkt after returning.
type PacketSink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet)
}

// Stream is an open capture: one local video track and one local audio track.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	AddSink(sink PacketSink) (remove func())
	// Switch moves video capture to another camera. Tracks stay the same, so peers keep receiving
	// without renegotiation.
	Switch(ctx context.Context, facing Facing) error
	Facing() Facing
	Close() error
}

// Source opens capture streams.
type Source interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}
