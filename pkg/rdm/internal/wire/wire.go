// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the on-the-wire encoding of RDM control and data packets.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/howeyc/crc16"
)

// Type is the one-octet packet type code carried by every RDM packet's Header.
type Type uint8

const (
	// RTS starts a message.
	RTS Type = 0x01
	// CTS answers an RTS that requires a data-streaming phase.
	CTS Type = 0x02
	// DATA carries one credit's worth of message payload.
	DATA Type = 0x03
	// READRSP carries the payload stream of an emulated RMA READ.
	READRSP Type = 0x04
	// EOR is the end-of-read acknowledgement for large shared-memory reads.
	EOR Type = 0x05
	// CONNACK completes the per-peer connection handshake.
	CONNACK Type = 0x06
)

func (t Type) String() string {
	switch t {
	case RTS:
		return "RTS"
	case CTS:
		return "CTS"
	case DATA:
		return "DATA"
	case READRSP:
		return "READRSP"
	case EOR:
		return "EOR"
	case CONNACK:
		return "CONNACK"
	default:
		return "INVALID"
	}
}

// Flag bits carried in an RTS header.
type Flag uint16

const (
	FlagTagged Flag = 1 << iota
	FlagRemoteCQData
	FlagRemoteSrcAddr
	FlagRecvCancel
	FlagWrite
	FlagReadReq
	FlagReadData
	FlagCreditRequest
	FlagSHMHdr
	FlagSHMHdrData
)

// MaxSrcAddrLen is the maximum length in bytes of a piggybacked source address.
const MaxSrcAddrLen = 32

// IOVLimit is the maximum number of scatter-gather segments per operation.
const IOVLimit = 4

// ProtocolVersion is the wire protocol's major.minor version, packed as (major<<8)|minor.
const ProtocolVersion = (2 << 8) | 0

// Header is the common fixed header prefixing every packet on the wire.
type Header struct {
	PktType Type
	Flags   Flag
	MsgID   uint64
	TxID    uint32
	RxID    uint32
}

// Packet describes all kinds of RDM wire packets, which have marshalling in common.
type Packet interface {
	Marshal(w io.Writer) error
	Unmarshal(r io.Reader) error
	Header() Header
}

// packets maps packet type codes to an example instance of their Go type, mirroring the
// TCPCLv4 message registry this package is modeled on.
var packets = map[Type]Packet{
	RTS:     &RTSPacket{},
	CTS:     &CTSPacket{},
	DATA:    &DataPacket{},
	READRSP: &ReadRspPacket{},
	EOR:     &EORPacket{},
	CONNACK: &ConnAckPacket{},
}

// NewPacket creates a new zero-valued Packet for a given type code.
func NewPacket(t Type) (Packet, error) {
	proto, exists := packets[t]
	if !exists {
		return nil, fmt.Errorf("no RDM packet registered for type code %#x", uint8(t))
	}

	elem := reflect.TypeOf(proto).Elem()
	return reflect.New(elem).Interface().(Packet), nil
}

// ReadPacket parses the next RDM packet from the Reader.
func ReadPacket(r io.Reader) (Packet, error) {
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return nil, err
	}

	pkt, err := NewPacket(Type(typeByte[0]))
	if err != nil {
		return nil, err
	}

	mr := io.MultiReader(bytes.NewReader(typeByte[:]), r)
	if err := pkt.Unmarshal(mr); err != nil {
		return nil, err
	}
	return pkt, nil
}

// checksum computes the header-integrity CRC16 used to detect corrupted control headers.
// Payload integrity is explicitly out of scope; this only covers the fixed header bytes.
func checksum(b []byte) uint16 {
	return crc16.ChecksumCCITTFalse(b)
}

// RTSPacket starts a message.
type RTSPacket struct {
	Hdr            Header
	Tag            uint64
	Ignore         uint64
	TotalLen       uint64
	CreditRequest  uint16
	Window         uint16
	SrcAddrLen     uint8
	SrcAddr        [MaxSrcAddrLen]byte
	RemoteCQData   uint64
	InlinePayload  []byte
}

func (p RTSPacket) Header() Header { return p.Hdr }

func (p *RTSPacket) Marshal(w io.Writer) error {
	p.Hdr.PktType = RTS
	buf := new(bytes.Buffer)
	for _, field := range []interface{}{
		p.Hdr.PktType, p.Hdr.Flags, p.Hdr.MsgID, p.Hdr.TxID, p.Hdr.RxID,
		p.Tag, p.Ignore, p.TotalLen, p.CreditRequest, p.Window,
		p.SrcAddrLen, p.SrcAddr, p.RemoteCQData,
	} {
		if err := binary.Write(buf, binary.BigEndian, field); err != nil {
			return err
		}
	}
	sum := checksum(buf.Bytes())
	if err := binary.Write(buf, binary.BigEndian, sum); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(p.InlinePayload))); err != nil {
		return err
	}
	buf.Write(p.InlinePayload)

	_, err := w.Write(buf.Bytes())
	return err
}

func (p *RTSPacket) Unmarshal(r io.Reader) error {
	head := new(bytes.Buffer)
	tr := io.TeeReader(r, head)
	for _, field := range []interface{}{
		&p.Hdr.PktType, &p.Hdr.Flags, &p.Hdr.MsgID, &p.Hdr.TxID, &p.Hdr.RxID,
		&p.Tag, &p.Ignore, &p.TotalLen, &p.CreditRequest, &p.Window,
		&p.SrcAddrLen, &p.SrcAddr, &p.RemoteCQData,
	} {
		if err := binary.Read(tr, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if p.Hdr.PktType != RTS {
		return fmt.Errorf("RTS packet type mismatch: %v", p.Hdr.PktType)
	}

	var sum uint16
	if err := binary.Read(r, binary.BigEndian, &sum); err != nil {
		return err
	}
	if want := checksum(head.Bytes()); sum != want {
		return fmt.Errorf("RTS header checksum mismatch: got %#x want %#x", sum, want)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}
	p.InlinePayload = make([]byte, payloadLen)
	_, err := io.ReadFull(r, p.InlinePayload)
	return err
}

// CTSPacket responds to an RTS that requires a data-streaming phase.
type CTSPacket struct {
	Hdr             Header
	CreditAllocated uint16
	Window          uint16
}

func (p CTSPacket) Header() Header { return p.Hdr }

func (p *CTSPacket) Marshal(w io.Writer) error {
	p.Hdr.PktType = CTS
	buf := new(bytes.Buffer)
	for _, field := range []interface{}{
		p.Hdr.PktType, p.Hdr.Flags, p.Hdr.MsgID, p.Hdr.TxID, p.Hdr.RxID,
		p.CreditAllocated, p.Window,
	} {
		if err := binary.Write(buf, binary.BigEndian, field); err != nil {
			return err
		}
	}
	sum := checksum(buf.Bytes())
	if err := binary.Write(buf, binary.BigEndian, sum); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (p *CTSPacket) Unmarshal(r io.Reader) error {
	head := new(bytes.Buffer)
	tr := io.TeeReader(r, head)
	for _, field := range []interface{}{
		&p.Hdr.PktType, &p.Hdr.Flags, &p.Hdr.MsgID, &p.Hdr.TxID, &p.Hdr.RxID,
		&p.CreditAllocated, &p.Window,
	} {
		if err := binary.Read(tr, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if p.Hdr.PktType != CTS {
		return fmt.Errorf("CTS packet type mismatch: %v", p.Hdr.PktType)
	}
	var sum uint16
	if err := binary.Read(r, binary.BigEndian, &sum); err != nil {
		return err
	}
	if want := checksum(head.Bytes()); sum != want {
		return fmt.Errorf("CTS header checksum mismatch: got %#x want %#x", sum, want)
	}
	return nil
}

// DataPacket carries one credit's worth of message payload.
type DataPacket struct {
	Hdr       Header
	SegOffset uint64
	Payload   []byte
}

func (p DataPacket) Header() Header { return p.Hdr }

func (p *DataPacket) Marshal(w io.Writer) error {
	p.Hdr.PktType = DATA
	for _, field := range []interface{}{
		p.Hdr.PktType, p.Hdr.Flags, p.Hdr.MsgID, p.Hdr.TxID, p.Hdr.RxID, p.SegOffset,
	} {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.Payload))); err != nil {
		return err
	}
	_, err := w.Write(p.Payload)
	return err
}

func (p *DataPacket) Unmarshal(r io.Reader) error {
	for _, field := range []interface{}{
		&p.Hdr.PktType, &p.Hdr.Flags, &p.Hdr.MsgID, &p.Hdr.TxID, &p.Hdr.RxID, &p.SegOffset,
	} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if p.Hdr.PktType != DATA {
		return fmt.Errorf("DATA packet type mismatch: %v", p.Hdr.PktType)
	}
	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}
	p.Payload = make([]byte, payloadLen)
	_, err := io.ReadFull(r, p.Payload)
	return err
}

// ReadRspPacket carries the payload stream of an emulated RMA READ.
type ReadRspPacket struct {
	Hdr       Header
	SegOffset uint64
	Payload   []byte
}

func (p ReadRspPacket) Header() Header { return p.Hdr }

func (p *ReadRspPacket) Marshal(w io.Writer) error {
	p.Hdr.PktType = READRSP
	for _, field := range []interface{}{
		p.Hdr.PktType, p.Hdr.Flags, p.Hdr.MsgID, p.Hdr.TxID, p.Hdr.RxID, p.SegOffset,
	} {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.Payload))); err != nil {
		return err
	}
	_, err := w.Write(p.Payload)
	return err
}

func (p *ReadRspPacket) Unmarshal(r io.Reader) error {
	for _, field := range []interface{}{
		&p.Hdr.PktType, &p.Hdr.Flags, &p.Hdr.MsgID, &p.Hdr.TxID, &p.Hdr.RxID, &p.SegOffset,
	} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if p.Hdr.PktType != READRSP {
		return fmt.Errorf("READRSP packet type mismatch: %v", p.Hdr.PktType)
	}
	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}
	p.Payload = make([]byte, payloadLen)
	_, err := io.ReadFull(r, p.Payload)
	return err
}

// EORPacket acknowledges the end of a large shared-memory read.
type EORPacket struct {
	Hdr Header
}

func (p EORPacket) Header() Header { return p.Hdr }

func (p *EORPacket) Marshal(w io.Writer) error {
	p.Hdr.PktType = EOR
	for _, field := range []interface{}{p.Hdr.PktType, p.Hdr.Flags, p.Hdr.MsgID, p.Hdr.TxID, p.Hdr.RxID} {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}
	return nil
}

func (p *EORPacket) Unmarshal(r io.Reader) error {
	for _, field := range []interface{}{&p.Hdr.PktType, &p.Hdr.Flags, &p.Hdr.MsgID, &p.Hdr.TxID, &p.Hdr.RxID} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if p.Hdr.PktType != EOR {
		return fmt.Errorf("EOR packet type mismatch: %v", p.Hdr.PktType)
	}
	return nil
}

// ConnAckPacket completes the per-peer connection handshake.
type ConnAckPacket struct {
	Hdr Header
}

func (p ConnAckPacket) Header() Header { return p.Hdr }

func (p *ConnAckPacket) Marshal(w io.Writer) error {
	p.Hdr.PktType = CONNACK
	for _, field := range []interface{}{p.Hdr.PktType, p.Hdr.Flags, p.Hdr.MsgID, p.Hdr.TxID, p.Hdr.RxID} {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}
	return nil
}

func (p *ConnAckPacket) Unmarshal(r io.Reader) error {
	for _, field := range []interface{}{&p.Hdr.PktType, &p.Hdr.Flags, &p.Hdr.MsgID, &p.Hdr.TxID, &p.Hdr.RxID} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}
	if p.Hdr.PktType != CONNACK {
		return fmt.Errorf("CONNACK packet type mismatch: %v", p.Hdr.PktType)
	}
	return nil
}
