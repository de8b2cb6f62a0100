package media

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/apperr"
)

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint16
}

func (s *recordingSink) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	if kind != webrtc.RTPCodecTypeVideo {
		return
	}
	s.mu.Lock()
	s.seqs = append(s.seqs, pkt.SequenceNumber)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func sendRTP(t *testing.T, addr net.Addr, seq uint16) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, SSRC: 1}, Payload: []byte{0x10, 0x00}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func TestUDPSourceIngestAndSwitch(t *testing.T) {
	src := NewUDPSource(UDPConfig{VideoAddrs: map[Facing]string{
		FacingUser:        "127.0.0.1:0",
		FacingEnvironment: "127.0.0.1:0",
	}}, nil)
	st, err := src.Open(context.Background(), FacingUser)
	require.NoError(t, err)
	defer st.Close()

	assert.Len(t, st.Tracks(), 2)
	sink := &recordingSink{}
	remove := st.AddSink(sink)

	us := st.(*udpStream)
	sendRTP(t, us.VideoAddr(), 1)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, st.Switch(context.Background(), FacingUser.Opposite()))
	assert.Equal(t, FacingEnvironment, st.Facing())
	sendRTP(t, us.VideoAddr(), 2)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	remove()
	sendRTP(t, us.VideoAddr(), 3)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, sink.count())

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Switch(context.Background(), FacingUser), apperr.ErrInvalidState)
}

func TestUDPSourceMissingCameraIsDeviceDenied(t *testing.T) {
	src := NewUDPSource(UDPConfig{VideoAddrs: map[Facing]string{FacingUser: "127.0.0.1:0"}}, nil)
	_, err := src.Open(context.Background(), FacingEnvironment)
	assert.ErrorIs(t, err, apperr.ErrDeviceDenied)
	assert.Equal(t, "DEVICE_DENIED", apperr.Code(err))
}

func TestFacingOpposite(t *testing.T) {
	assert.Equal(t, FacingEnvironment, FacingUser.Opposite())
	assert.Equal(t, FacingUser, FacingEnvironment.Opposite())
}
