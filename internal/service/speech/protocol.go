package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 火山引擎单向流式 TTS 的二进制帧格式：
//
//	byte 0: protocol version (4 bits) | header size in 4-byte words (4 bits)
//	byte 1: message type (4 bits)     | message flags (4 bits)
//	byte 2: serialization (4 bits)    | compression (4 bits)
//	byte 3: reserved
//
// 之后依次是可选的 sequence、可选的 event 元数据、payload size 与 payload，全部大端序。
const protocolVersion = 0b0001

// MessageType 帧类型
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags 帧标志位，低两位描述 sequence，第三位表示携带事件
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
	WithEvent              MessageFlags = 0b0100

	sequenceMask MessageFlags = 0b0011
)

// EventType 服务端事件
type EventType int32

const (
	EventTypeNone               EventType = 0
	EventTypeStartConnection    EventType = 1
	EventTypeFinishConnection   EventType = 2
	EventTypeConnectionStarted  EventType = 50
	EventTypeConnectionFailed   EventType = 51
	EventTypeConnectionFinished EventType = 52
	EventTypeSessionStarted     EventType = 150
	EventTypeSessionFinished    EventType = 152
	EventTypeSessionFailed      EventType = 153
)

// Serialization payload 序列化方式
type Serialization uint8

const (
	RawSerialization  Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression payload 压缩方式
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Frame 是一条协议消息
type Frame struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	Event         EventType
	SessionID     string
	ConnectID     string
	ErrorCode     uint32
	Payload       []byte
}

// NewRequestFrame 构造一次性的 JSON 合成请求
func NewRequestFrame(payload []byte) *Frame {
	return &Frame{
		Type:          FullClientRequest,
		Flags:         NoSequenceNumber,
		Serialization: JSONSerialization,
		Compression:   NoCompression,
		Payload:       payload,
	}
}

// MarshalBinary 编码为 websocket 二进制消息
func (f *Frame) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | 0b0001,
		uint8(f.Type)<<4 | uint8(f.Flags),
		uint8(f.Serialization)<<4 | uint8(f.Compression),
		0x00,
	})

	if f.hasSequence() {
		writeUint32(&buf, uint32(f.Sequence))
	}

	if f.Flags&WithEvent == WithEvent {
		writeUint32(&buf, uint32(f.Event))
		if !eventSkipsSessionID(f.Event) {
			writeSized(&buf, f.SessionID)
		}
		if eventHasConnectID(f.Event) {
			writeSized(&buf, f.ConnectID)
		}
	}

	if f.Type == ErrorMessage {
		writeUint32(&buf, f.ErrorCode)
	}
	writeUint32(&buf, uint32(len(f.Payload)))
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// ParseFrame 解码一条 websocket 二进制消息
func ParseFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if version := header[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	f := &Frame{
		Type:          MessageType(header[1] >> 4),
		Flags:         MessageFlags(header[1] & 0x0F),
		Serialization: Serialization(header[2] >> 4),
		Compression:   Compression(header[2] & 0x0F),
	}

	// header size 以 4 字节为单位，超出部分是扩展头，直接跳过
	if extra := int(header[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := r.Seek(int64(extra), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("failed to skip extended header: %w", err)
		}
	}

	if f.hasSequence() {
		seq, err := readUint32(r, "sequence")
		if err != nil {
			return nil, err
		}
		f.Sequence = int32(seq)
	}

	if f.Flags&WithEvent == WithEvent {
		event, err := readUint32(r, "event type")
		if err != nil {
			return nil, err
		}
		f.Event = EventType(int32(event))

		if !eventSkipsSessionID(f.Event) {
			if f.SessionID, err = readSized(r, "session id"); err != nil {
				return nil, err
			}
		}
		if eventHasConnectID(f.Event) {
			if f.ConnectID, err = readSized(r, "connect id"); err != nil {
				return nil, err
			}
		}
	}

	if f.Type == ErrorMessage {
		code, err := readUint32(r, "error code")
		if err != nil {
			return nil, err
		}
		f.ErrorCode = code
	}

	size, err := readUint32(r, "payload size")
	if err != nil {
		return nil, err
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload (expected %d bytes): %w", size, err)
		}
	}
	return f, nil
}

// Body 返回解压后的 payload
func (f *Frame) Body() ([]byte, error) {
	switch f.Compression {
	case NoCompression:
		return f.Payload, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Compression)
	}
}

// Final 判断是否为最后一包
func (f *Frame) Final() bool {
	if f.Flags&WithEvent == WithEvent && f.Event == EventTypeSessionFinished {
		return true
	}
	switch f.Flags & sequenceMask {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

func (f *Frame) hasSequence() bool {
	switch f.Flags & sequenceMask {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventTypeStartConnection, EventTypeFinishConnection,
		EventTypeConnectionStarted, EventTypeConnectionFailed,
		EventTypeConnectionFinished:
		return true
	default:
		return false
	}
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	default:
		return false
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeSized(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r io.Reader, what string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readSized(r *bytes.Reader, what string) (string, error) {
	size, err := readUint32(r, what+" size")
	if err != nil {
		return "", err
	}
	if int64(size) > int64(r.Len()) {
		return "", fmt.Errorf("failed to read %s: %w", what, errors.New("size exceeds frame"))
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", what, err)
	}
	return string(b), nil
}
