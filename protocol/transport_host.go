package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTransportStopped = errors.New("transport stopped")
	ErrFrameTooLong     = errors.New("frame too long")
)

// ResponseHandler receives every non-ACK frame from the MCU. data starts after
// the message ID. receiveTime is the host monotonic time the frame was parsed.
type ResponseHandler func(cmdID uint16, data *[]byte, receiveTime float64) error

// Message is one decoded frame
type Message struct {
	Length      uint8
	Sequence    uint8
	Payload     []byte
	CRC         uint16
	ReceiveTime float64
}

// EncodeFrame wraps payload into a complete frame with the given sequence byte
func EncodeFrame(seq uint8, payload []byte) ([]byte, error) {
	msgLen := MessageHeaderSize + len(payload) + MessageTrailerSize
	if msgLen > MessageLengthMax {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLong, msgLen, MessageLengthMax)
	}
	frame := make([]byte, 0, msgLen)
	frame = append(frame, uint8(msgLen), seq)
	frame = append(frame, payload...)
	crc := CRC16(frame)
	return append(frame, uint8(crc>>8), uint8(crc), MessageValueSync), nil
}

// DecodeFrame parses one frame from the front of data. It returns the number
// of bytes consumed; a nil message with n == 0 means more data is needed, and
// a nil message with n > 0 means n bytes of garbage should be dropped.
func DecodeFrame(data []byte) (*Message, int) {
	if len(data) < MessageLengthMin {
		return nil, 0
	}
	msgLen := int(data[MessagePositionLen])
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
		return nil, 1
	}
	if len(data) < msgLen {
		return nil, 0
	}
	if data[msgLen-MessageTrailerSync] != MessageValueSync {
		return nil, 1
	}
	frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
	if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
		return nil, 1
	}
	payload := make([]byte, msgLen-MessageLengthMin)
	copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
	return &Message{
		Length:   uint8(msgLen),
		Sequence: data[MessagePositionSeq],
		Payload:  payload,
		CRC:      frameCRC,
	}, msgLen
}

// NextSequence returns the sequence byte following seq
func NextSequence(seq uint8) uint8 {
	return (seq+1)&MessageSeqMask | MessageDest
}

// HostOption configures a HostTransport
type HostOption func(*HostTransport)

// WithClock sets the monotonic clock used to stamp received frames
func WithClock(clock func() float64) HostOption {
	return func(t *HostTransport) {
		t.clock = clock
	}
}

// WithAckTimeout sets how long SendPayload waits for the MCU acknowledgement
func WithAckTimeout(d time.Duration) HostOption {
	return func(t *HostTransport) {
		t.ackTimeout = d
	}
}

// HostTransport sends commands to the MCU, waits for ACKs and hands
// responses to a handler. Frames are written in call order.
type HostTransport struct {
	port       io.ReadWriteCloser
	clock      func() float64
	ackTimeout time.Duration

	seq          atomic.Uint32
	synchronized atomic.Bool
	input        *FifoBuffer

	ackChan      chan *Message
	responseChan chan *Message

	handlerMu sync.RWMutex
	handler   ResponseHandler

	// held for a whole send+ack round trip so frames never interleave
	sendMu sync.Mutex

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewHostTransport creates a transport over port and starts its reader
func NewHostTransport(port io.ReadWriteCloser, opts ...HostOption) *HostTransport {
	start := time.Now()
	t := &HostTransport{
		port:         port,
		clock:        func() float64 { return time.Since(start).Seconds() },
		ackTimeout:   2 * time.Second,
		input:        NewFifoBuffer(1024),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.seq.Store(MessageDest)
	t.synchronized.Store(true)

	go t.readLoop()
	return t
}

// SetResponseHandler installs the callback for asynchronous responses
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// SendCommand encodes cmdID plus args and sends it
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	return t.SendPayload(scratch.Result())
}

// SendPayload frames an already encoded payload, writes it and waits for the ACK
func (t *HostTransport) SendPayload(payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	seq := uint8(t.seq.Load())
	frame, err := EncodeFrame(seq, payload)
	if err != nil {
		return err
	}
	n, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}

	want := NextSequence(seq)
	deadline := time.After(t.ackTimeout)
	for {
		select {
		case ack := <-t.ackChan:
			if ack.Sequence != want {
				// stale ACK from an earlier retransmit
				continue
			}
			t.seq.Store(uint32(want))
			return nil
		case <-deadline:
			return fmt.Errorf("ACK timeout after %v", t.ackTimeout)
		case <-t.stopChan:
			return ErrTransportStopped
		}
	}
}

// ReceiveResponse waits for the next response frame
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("response timeout after %v", timeout)
	case <-t.stopChan:
		return nil, ErrTransportStopped
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			t.input.Write(buffer[:n])
			t.processMessages()
		}
	}
}

func (t *HostTransport) processMessages() {
	data := t.input.Data()
	consumed := 0
	for consumed < len(data) {
		rest := data[consumed:]
		if !t.synchronized.Load() {
			i := 0
			for i < len(rest) && rest[i] != MessageValueSync {
				i++
			}
			if i == len(rest) {
				consumed = len(data)
				break
			}
			consumed += i + 1
			t.synchronized.Store(true)
			continue
		}
		if rest[0] == MessageValueSync {
			consumed++
			continue
		}
		msg, n := DecodeFrame(rest)
		if n == 0 {
			break
		}
		consumed += n
		if msg == nil {
			t.synchronized.Store(false)
			continue
		}
		msg.ReceiveTime = t.clock()
		t.dispatchMessage(msg)
	}
	t.input.Pop(consumed)
}

func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg:
		default:
			// drop the older ACK; only the newest sequence matters
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- msg
		}
		return
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler != nil {
		payload := append([]byte(nil), msg.Payload...)
		if cmdID, err := DecodeVLQUint(&payload); err == nil {
			_ = handler(uint16(cmdID), &payload, msg.ReceiveTime)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// Reset returns the transport to its just-connected state
func (t *HostTransport) Reset() {
	t.synchronized.Store(true)
	t.seq.Store(MessageDest)
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	for len(t.responseChan) > 0 {
		<-t.responseChan
	}
	t.input.Reset()
}

// CurrentSequence returns the sequence byte the next frame will carry
func (t *HostTransport) CurrentSequence() uint8 {
	return uint8(t.seq.Load())
}
