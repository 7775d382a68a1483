package xbb

import (
	"encoding/binary"
	"math"
)

// Frame geometry. A measurement frame is 92 bytes:
//
//	A5 33 | sub-index u16 | length u16 (=84) | 21 x int32 payload | B5 | CRC8
//
// A response frame is 118 bytes:
//
//	A5 33 | length u16 (=112) | 112-byte payload | B5 | CRC8
//
// The CRC covers everything before it, header through footer.
const (
	Header0 = 0xA5
	Header1 = 0x33
	Footer  = 0xB5

	MeasurementFrameLen   = 92
	measurementPayloadLen = 84

	ResponseFrameLen   = 118
	responsePayloadLen = 112
)

// Measurement is the simulator-to-BMS frame: pack electricals and the
// sixteen cell voltages, every field a big-endian int32.
type Measurement struct {
	SubIndex       uint16
	PackCurrentMA  int32
	PackVoltageMV  int32
	CellTempMilliC int32 // representative cell temperature
	PCBTempMilliC  int32
	CellVoltagesMV [16]int32
	Counter        int32
}

// EncodeMeasurement serializes m into a 92-byte frame.
func EncodeMeasurement(m *Measurement) []byte {
	buf := make([]byte, MeasurementFrameLen)
	buf[0] = Header0
	buf[1] = Header1
	binary.BigEndian.PutUint16(buf[2:], m.SubIndex)
	binary.BigEndian.PutUint16(buf[4:], measurementPayloadLen)

	p := buf[6:]
	binary.BigEndian.PutUint32(p[0:], uint32(m.PackCurrentMA))
	binary.BigEndian.PutUint32(p[4:], uint32(m.PackVoltageMV))
	binary.BigEndian.PutUint32(p[8:], uint32(m.CellTempMilliC))
	binary.BigEndian.PutUint32(p[12:], uint32(m.PCBTempMilliC))
	for i, v := range m.CellVoltagesMV {
		binary.BigEndian.PutUint32(p[16+4*i:], uint32(v))
	}
	binary.BigEndian.PutUint32(p[80:], uint32(m.Counter))

	buf[90] = Footer
	buf[91] = CRC8(buf[:91])
	return buf
}

// DecodeMeasurement parses a 92-byte frame, used by the loopback test rig.
func DecodeMeasurement(buf []byte) (*Measurement, error) {
	const frame = "measurement"
	if len(buf) != MeasurementFrameLen {
		return nil, decodeErr(frame, ErrLength, "got %d bytes, want %d", len(buf), MeasurementFrameLen)
	}
	if buf[0] != Header0 || buf[1] != Header1 {
		return nil, decodeErr(frame, ErrFraming, "header %02x %02x", buf[0], buf[1])
	}
	if buf[90] != Footer {
		return nil, decodeErr(frame, ErrFraming, "footer %02x", buf[90])
	}
	if got, want := buf[91], CRC8(buf[:91]); got != want {
		return nil, decodeErr(frame, ErrChecksum, "got %02x, want %02x", got, want)
	}
	if l := binary.BigEndian.Uint16(buf[4:]); l != measurementPayloadLen {
		return nil, decodeErr(frame, ErrLength, "payload length %d, want %d", l, measurementPayloadLen)
	}

	m := &Measurement{SubIndex: binary.BigEndian.Uint16(buf[2:])}
	p := buf[6:]
	m.PackCurrentMA = int32(binary.BigEndian.Uint32(p[0:]))
	m.PackVoltageMV = int32(binary.BigEndian.Uint32(p[4:]))
	m.CellTempMilliC = int32(binary.BigEndian.Uint32(p[8:]))
	m.PCBTempMilliC = int32(binary.BigEndian.Uint32(p[12:]))
	for i := range m.CellVoltagesMV {
		m.CellVoltagesMV[i] = int32(binary.BigEndian.Uint32(p[16+4*i:]))
	}
	m.Counter = int32(binary.BigEndian.Uint32(p[80:]))
	return m, nil
}

// MOSFET status bits in Response.MosfetStatus.
const (
	MosfetChargeEnabled    uint16 = 0x0001
	MosfetDischargeEnabled uint16 = 0x0002
	MosfetChargeOpen       uint16 = 0x0004
	MosfetDischargeOpen    uint16 = 0x0008
)

// Response is the BMS-to-simulator frame: the BMS's view of the pack plus
// its protection and switch state.
type Response struct {
	Timestamp       uint32
	ProtectionFlags uint16
	SOCPct          float32 // clamped to [0,110] on decode
	SOHPct          float32
	SOEPct          float32
	CurrentMA       int32
	VoltageMV       uint32
	Balancing       [16]uint16
	FaultCodes      [8]uint8
	PCBTempCC       int16
	CellTempsCC     [4]int16
	CellVoltagesMV  [16]uint16
	Sequence        uint16
	MosfetStatus    uint16
}

// ChargeAllowed reports whether the charge path is closed.
func (r *Response) ChargeAllowed() bool {
	return r.MosfetStatus&MosfetChargeEnabled != 0 && r.MosfetStatus&MosfetChargeOpen == 0
}

// DischargeAllowed reports whether the discharge path is closed.
func (r *Response) DischargeAllowed() bool {
	return r.MosfetStatus&MosfetDischargeEnabled != 0 && r.MosfetStatus&MosfetDischargeOpen == 0
}

// EncodeResponse serializes r into a 118-byte frame. The real BMS produces
// these; the simulator encodes them only in loopback and test rigs.
func EncodeResponse(r *Response) []byte {
	buf := make([]byte, ResponseFrameLen)
	buf[0] = Header0
	buf[1] = Header1
	binary.BigEndian.PutUint16(buf[2:], responsePayloadLen)

	p := buf[4:]
	binary.BigEndian.PutUint32(p[0:], r.Timestamp)
	binary.BigEndian.PutUint16(p[4:], r.ProtectionFlags)
	binary.BigEndian.PutUint32(p[6:], math.Float32bits(r.SOCPct))
	binary.BigEndian.PutUint32(p[10:], math.Float32bits(r.SOHPct))
	binary.BigEndian.PutUint32(p[14:], math.Float32bits(r.SOEPct))
	binary.BigEndian.PutUint32(p[18:], uint32(r.CurrentMA))
	binary.BigEndian.PutUint32(p[22:], r.VoltageMV)
	for i, b := range r.Balancing {
		binary.BigEndian.PutUint16(p[26+2*i:], b)
	}
	copy(p[58:66], r.FaultCodes[:])
	binary.BigEndian.PutUint16(p[66:], uint16(r.PCBTempCC))
	for i, t := range r.CellTempsCC {
		binary.BigEndian.PutUint16(p[68+2*i:], uint16(t))
	}
	for i, v := range r.CellVoltagesMV {
		binary.BigEndian.PutUint16(p[76+2*i:], v)
	}
	binary.BigEndian.PutUint16(p[108:], r.Sequence)
	binary.BigEndian.PutUint16(p[110:], r.MosfetStatus)

	buf[116] = Footer
	buf[117] = CRC8(buf[:117])
	return buf
}

// DecodeResponse parses a 118-byte response frame. Out-of-range state
// percentages are clamped, not rejected: a confused BMS is exactly what the
// rig exists to observe.
func DecodeResponse(buf []byte) (*Response, error) {
	const frame = "response"
	if len(buf) != ResponseFrameLen {
		return nil, decodeErr(frame, ErrLength, "got %d bytes, want %d", len(buf), ResponseFrameLen)
	}
	if buf[0] != Header0 || buf[1] != Header1 {
		return nil, decodeErr(frame, ErrFraming, "header %02x %02x", buf[0], buf[1])
	}
	if buf[116] != Footer {
		return nil, decodeErr(frame, ErrFraming, "footer %02x", buf[116])
	}
	if got, want := buf[117], CRC8(buf[:117]); got != want {
		return nil, decodeErr(frame, ErrChecksum, "got %02x, want %02x", got, want)
	}
	if l := binary.BigEndian.Uint16(buf[2:]); l != responsePayloadLen {
		return nil, decodeErr(frame, ErrLength, "payload length %d, want %d", l, responsePayloadLen)
	}

	p := buf[4:]
	r := &Response{
		Timestamp:       binary.BigEndian.Uint32(p[0:]),
		ProtectionFlags: binary.BigEndian.Uint16(p[4:]),
		SOCPct:          clampPct(math.Float32frombits(binary.BigEndian.Uint32(p[6:]))),
		SOHPct:          clampPct(math.Float32frombits(binary.BigEndian.Uint32(p[10:]))),
		SOEPct:          clampPct(math.Float32frombits(binary.BigEndian.Uint32(p[14:]))),
		CurrentMA:       int32(binary.BigEndian.Uint32(p[18:])),
		VoltageMV:       binary.BigEndian.Uint32(p[22:]),
		PCBTempCC:       int16(binary.BigEndian.Uint16(p[66:])),
		Sequence:        binary.BigEndian.Uint16(p[108:]),
		MosfetStatus:    binary.BigEndian.Uint16(p[110:]),
	}
	for i := range r.Balancing {
		r.Balancing[i] = binary.BigEndian.Uint16(p[26+2*i:])
	}
	copy(r.FaultCodes[:], p[58:66])
	for i := range r.CellTempsCC {
		r.CellTempsCC[i] = int16(binary.BigEndian.Uint16(p[68+2*i:]))
	}
	for i := range r.CellVoltagesMV {
		r.CellVoltagesMV[i] = binary.BigEndian.Uint16(p[76+2*i:])
	}
	return r, nil
}

// clampPct bounds a reported percentage to [0,110]. NaN decodes as 0.
func clampPct(v float32) float32 {
	if math.IsNaN(float64(v)) || v < 0 {
		return 0
	}
	if v > 110 {
		return 110
	}
	return v
}
