// Package protocol implements the host side of the Klipper serial protocol
// used to reach the MCU that owns the ADC bus lines.
package protocol

// Version of the host protocol implementation
const Version = "0.1.0"

// Frame layout: <len><seq><payload...><crc hi><crc lo><sync>
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// ScratchMax bounds the payload builder; anything larger cannot be framed anyway.
	ScratchMax = 512
)
