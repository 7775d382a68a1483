package xbb

import "encoding/binary"

// Legacy MCU frame format, kept for older BMS application builds:
//
//	A5 | msg id | len u8 | seq u16 | payload | CRC16 | AA
//
// Everything after the SOF is little-endian; the CRC16 covers msg id,
// length, sequence and payload.
const (
	MCUSOF = 0xA5
	MCUEOF = 0xAA

	MsgIDAFEMeas = 0x01 // simulator to MCU
	MsgIDBMSApp  = 0x02 // MCU to simulator

	afeMeasPayloadLen = 80
	bmsAppPayloadLen  = 60
)

// Protection flag bits reported in BMSApp.ProtectionFlags.
const (
	ProtOvervoltage          uint16 = 0x0001
	ProtUndervoltage         uint16 = 0x0002
	ProtOvercurrentCharge    uint16 = 0x0004
	ProtOvercurrentDischarge uint16 = 0x0008
	ProtOvertemperature      uint16 = 0x0010
	ProtUndertemperature     uint16 = 0x0020
	ProtShortCircuit         uint16 = 0x0040
	ProtCellImbalance        uint16 = 0x0080
)

// AFEMeas is the legacy measurement payload.
type AFEMeas struct {
	TimestampMS   uint32
	Sequence      uint16
	CellVoltsMV   [16]uint16
	CellTempsCC   [16]int16
	PackCurrentMA int32
	PackVoltageMV uint32
	StatusFlags   uint32
}

// EncodeAFEMeas serializes the legacy measurement frame.
func EncodeAFEMeas(m *AFEMeas) []byte {
	buf := make([]byte, 1+4+afeMeasPayloadLen+2+1)
	buf[0] = MCUSOF
	buf[1] = MsgIDAFEMeas
	buf[2] = afeMeasPayloadLen
	binary.LittleEndian.PutUint16(buf[3:], m.Sequence)

	p := buf[5:]
	binary.LittleEndian.PutUint32(p[0:], m.TimestampMS)
	for i, v := range m.CellVoltsMV {
		binary.LittleEndian.PutUint16(p[4+2*i:], v)
	}
	for i, t := range m.CellTempsCC {
		binary.LittleEndian.PutUint16(p[36+2*i:], uint16(t))
	}
	binary.LittleEndian.PutUint32(p[68:], uint32(m.PackCurrentMA))
	binary.LittleEndian.PutUint32(p[72:], m.PackVoltageMV)
	binary.LittleEndian.PutUint32(p[76:], m.StatusFlags)

	crc := CRC16(buf[1 : 5+afeMeasPayloadLen])
	binary.LittleEndian.PutUint16(buf[5+afeMeasPayloadLen:], crc)
	buf[len(buf)-1] = MCUEOF
	return buf
}

// BMSApp is the legacy response payload from the MCU.
type BMSApp struct {
	TimestampMS     uint32
	Sequence        uint16
	MosfetStatus    uint16
	ProtectionFlags uint16
	CurrentMA       int32
	VoltageMV       uint32
	Balancing       [16]uint16
	FaultCodes      [8]uint8
	StateFlags      uint32
}

// ChargeAllowed reports whether the legacy response closes the charge path.
func (b *BMSApp) ChargeAllowed() bool {
	return b.MosfetStatus&MosfetChargeEnabled != 0 && b.MosfetStatus&MosfetChargeOpen == 0
}

// DischargeAllowed reports whether the legacy response closes the discharge path.
func (b *BMSApp) DischargeAllowed() bool {
	return b.MosfetStatus&MosfetDischargeEnabled != 0 && b.MosfetStatus&MosfetDischargeOpen == 0
}

// EncodeBMSApp serializes a legacy response; test rigs stand in for the MCU
// with it.
func EncodeBMSApp(b *BMSApp) []byte {
	buf := make([]byte, 1+4+bmsAppPayloadLen+2+1)
	buf[0] = MCUSOF
	buf[1] = MsgIDBMSApp
	buf[2] = bmsAppPayloadLen
	binary.LittleEndian.PutUint16(buf[3:], b.Sequence)

	p := buf[5:]
	binary.LittleEndian.PutUint32(p[0:], b.TimestampMS)
	binary.LittleEndian.PutUint16(p[4:], b.MosfetStatus)
	binary.LittleEndian.PutUint16(p[6:], b.ProtectionFlags)
	binary.LittleEndian.PutUint32(p[8:], uint32(b.CurrentMA))
	binary.LittleEndian.PutUint32(p[12:], b.VoltageMV)
	for i, v := range b.Balancing {
		binary.LittleEndian.PutUint16(p[16+2*i:], v)
	}
	copy(p[48:56], b.FaultCodes[:])
	binary.LittleEndian.PutUint32(p[56:], b.StateFlags)

	crc := CRC16(buf[1 : 5+bmsAppPayloadLen])
	binary.LittleEndian.PutUint16(buf[5+bmsAppPayloadLen:], crc)
	buf[len(buf)-1] = MCUEOF
	return buf
}

// DecodeBMSApp parses a legacy response frame.
func DecodeBMSApp(frame []byte) (*BMSApp, error) {
	const name = "mcu"
	if len(frame) < 8 {
		return nil, decodeErr(name, ErrLength, "got %d bytes", len(frame))
	}
	if frame[0] != MCUSOF || frame[len(frame)-1] != MCUEOF {
		return nil, decodeErr(name, ErrFraming, "sof %02x eof %02x", frame[0], frame[len(frame)-1])
	}
	if frame[1] != MsgIDBMSApp {
		return nil, decodeErr(name, ErrFraming, "msg id %02x", frame[1])
	}
	length := int(frame[2])
	if len(frame) != 1+4+length+2+1 || length != bmsAppPayloadLen {
		return nil, decodeErr(name, ErrLength, "payload length %d in %d-byte frame", length, len(frame))
	}
	want := CRC16(frame[1 : 5+length])
	got := binary.LittleEndian.Uint16(frame[5+length:])
	if got != want {
		return nil, decodeErr(name, ErrChecksum, "got %04x, want %04x", got, want)
	}

	p := frame[5:]
	b := &BMSApp{
		Sequence:        binary.LittleEndian.Uint16(frame[3:]),
		TimestampMS:     binary.LittleEndian.Uint32(p[0:]),
		MosfetStatus:    binary.LittleEndian.Uint16(p[4:]),
		ProtectionFlags: binary.LittleEndian.Uint16(p[6:]),
		CurrentMA:       int32(binary.LittleEndian.Uint32(p[8:])),
		VoltageMV:       binary.LittleEndian.Uint32(p[12:]),
	}
	for i := range b.Balancing {
		b.Balancing[i] = binary.LittleEndian.Uint16(p[16+2*i:])
	}
	copy(b.FaultCodes[:], p[48:56])
	b.StateFlags = binary.LittleEndian.Uint32(p[56:])
	return b, nil
}
