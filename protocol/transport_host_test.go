package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFirmware acks every frame and optionally answers with a response payload
type fakeFirmware struct {
	conn    net.Conn
	respond func(payload []byte) []byte
	frames  chan *Message
}

func newFakeFirmware(t *testing.T, respond func([]byte) []byte) (*fakeFirmware, net.Conn) {
	t.Helper()
	host, mcu := net.Pipe()
	f := &fakeFirmware{conn: mcu, respond: respond, frames: make(chan *Message, 64)}
	go f.run()
	return f, host
}

func (f *fakeFirmware) run() {
	var pending []byte
	buf := make([]byte, 128)
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			msg, used := DecodeFrame(pending)
			if used == 0 {
				break
			}
			pending = pending[used:]
			if msg == nil {
				continue
			}
			f.frames <- msg
			next := NextSequence(msg.Sequence)
			if f.respond != nil {
				if resp := f.respond(msg.Payload); resp != nil {
					frame, _ := EncodeFrame(next&MessageSeqMask, resp)
					_, _ = f.conn.Write(frame)
				}
			}
			ack, _ := EncodeFrame(next, nil)
			if _, err := f.conn.Write(ack); err != nil {
				return
			}
		}
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	frame, err := EncodeFrame(MessageDest, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, uint8(7), frame[0])
	assert.Equal(t, uint8(MessageValueSync), frame[len(frame)-1])

	msg, n := DecodeFrame(append(frame, 0xAA))
	require.NotNil(t, msg)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, []byte{0x01, 0x02}, msg.Payload)

	// corrupt the CRC
	frame[2] ^= 0xFF
	msg, n = DecodeFrame(frame)
	assert.Nil(t, msg)
	assert.Equal(t, 1, n)

	msg, n = DecodeFrame(frame[:3])
	assert.Nil(t, msg)
	assert.Equal(t, 0, n)

	_, err = EncodeFrame(MessageDest, make([]byte, MessageLengthMax))
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestNextSequenceWraps(t *testing.T) {
	assert.Equal(t, uint8(0x11), NextSequence(0x10))
	assert.Equal(t, uint8(0x10), NextSequence(0x1F))
}

func TestHostTransportSendAndAck(t *testing.T) {
	fw, conn := newFakeFirmware(t, nil)
	transport := NewHostTransport(conn, WithAckTimeout(time.Second))
	defer transport.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, transport.SendCommand(4, func(output OutputBuffer) {
			EncodeVLQUint(output, uint32(i))
		}))
	}
	assert.Equal(t, NextSequence(0x13), transport.CurrentSequence())

	first := <-fw.frames
	assert.Equal(t, uint8(MessageDest), first.Sequence)
	assert.Equal(t, []byte{4, 0}, first.Payload)
}

func TestHostTransportResponseHandler(t *testing.T) {
	_, conn := newFakeFirmware(t, func(payload []byte) []byte {
		// echo the argument back as response id 9
		return append([]byte{9}, payload[1:]...)
	})
	now := 0.0
	transport := NewHostTransport(conn, WithClock(func() float64 { now += 0.5; return now }))
	defer transport.Close()

	got := make(chan float64, 1)
	transport.SetResponseHandler(func(cmdID uint16, data *[]byte, receiveTime float64) error {
		v, err := DecodeVLQUint(data)
		if err == nil && cmdID == 9 && v == 42 {
			got <- receiveTime
		}
		return err
	})

	require.NoError(t, transport.SendCommand(5, func(output OutputBuffer) {
		EncodeVLQUint(output, 42)
	}))
	select {
	case rt := <-got:
		assert.Greater(t, rt, 0.0)
	case <-time.After(time.Second):
		t.Fatal("response handler not called")
	}

	resp, err := transport.ReceiveResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 42}, resp.Payload)
}

func TestHostTransportAckTimeout(t *testing.T) {
	host, mcu := net.Pipe()
	go func() {
		// swallow everything, never ack
		buf := make([]byte, 64)
		for {
			if _, err := mcu.Read(buf); err != nil {
				return
			}
		}
	}()
	transport := NewHostTransport(host, WithAckTimeout(50*time.Millisecond))
	defer transport.Close()

	err := transport.SendCommand(1, nil)
	assert.ErrorContains(t, err, "ACK timeout")
	assert.Equal(t, uint8(MessageDest), transport.CurrentSequence())
}
