package pgn

import (
	"encoding/binary"
	"fmt"
)

// SteerData is the decoded payload of PGN 254, the 10 Hz guidance frame
// from the ground station. Raw wire fields are kept so building and parsing
// round-trip bit-exactly.
type SteerData struct {
	SpeedCmS    uint16 // cm/s
	Status      byte   // bit0 guidance active, bit6 autosteer enable request
	AngleCenti  int16  // target angle x 100
	CrossTrack  int8
	Sections    uint16 // sections 1-16 bitmap, little-endian on the wire
}

// SpeedKMH converts the wire speed to km/h.
func (d SteerData) SpeedKMH() float32 {
	return float32(d.SpeedCmS) * 0.036
}

// TargetAngleDeg converts the wire angle to degrees.
func (d SteerData) TargetAngleDeg() float32 {
	return float32(d.AngleCenti) / 100.0
}

// GuidanceActive reports status bit 0.
func (d SteerData) GuidanceActive() bool { return d.Status&0x01 != 0 }

// AutosteerRequested reports status bit 6.
func (d SteerData) AutosteerRequested() bool { return d.Status&0x40 != 0 }

// ParseSteerData decodes a PGN 254 payload.
func ParseSteerData(data []byte) (SteerData, error) {
	if len(data) < 8 {
		return SteerData{}, fmt.Errorf("steer data too short: %d bytes", len(data))
	}
	return SteerData{
		SpeedCmS:   binary.LittleEndian.Uint16(data[0:2]),
		Status:     data[2],
		AngleCenti: int16(binary.LittleEndian.Uint16(data[3:5])),
		CrossTrack: int8(data[5]),
		Sections:   binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// BuildSteerData encodes a PGN 254 payload.
func BuildSteerData(d SteerData) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:2], d.SpeedCmS)
	data[2] = d.Status
	binary.LittleEndian.PutUint16(data[3:5], uint16(d.AngleCenti))
	data[5] = byte(d.CrossTrack)
	binary.LittleEndian.PutUint16(data[6:8], d.Sections)
	return data
}

// Status is the decoded payload of the outbound PGN 253 frame.
type Status struct {
	AngleCenti  int16 // actual angle x 100
	HeadingDeci int16 // 0, heading comes from GNSS
	RollDeci    int16 // 0, roll comes from GNSS
	SwitchByte  byte
	PWMDisplay  byte
}

// BuildStatus assembles a complete PGN 253 datagram.
func BuildStatus(s Status) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:2], uint16(s.AngleCenti))
	binary.LittleEndian.PutUint16(data[2:4], uint16(s.HeadingDeci))
	binary.LittleEndian.PutUint16(data[4:6], uint16(s.RollDeci))
	data[6] = s.SwitchByte
	data[7] = s.PWMDisplay
	return Build(SrcSteerModule, PGNStatus, data)
}

// ParseStatus decodes a PGN 253 payload.
func ParseStatus(data []byte) (Status, error) {
	if len(data) < 8 {
		return Status{}, fmt.Errorf("status too short: %d bytes", len(data))
	}
	return Status{
		AngleCenti:  int16(binary.LittleEndian.Uint16(data[0:2])),
		HeadingDeci: int16(binary.LittleEndian.Uint16(data[2:4])),
		RollDeci:    int16(binary.LittleEndian.Uint16(data[4:6])),
		SwitchByte:  data[6],
		PWMDisplay:  data[7],
	}, nil
}

// BuildHelloReply assembles the module-identity reply to a hello PGN.
// Legacy ground stations expect the historical hard-coded CRC byte 71;
// compatCRC keeps that behavior.
func BuildHelloReply(compatCRC bool) []byte {
	data := []byte{0, 0, 0, 0, 0} // angle, counts, switch byte: filled by nobody, matches legacy modules
	buf := Build(SrcSteerReply, PGNHelloReply, data)
	if compatCRC {
		buf[len(buf)-1] = 71
	}
	return buf
}

// BuildScanReply assembles the scan reply carrying the module IP and the
// first three subnet octets.
func BuildScanReply(ip [4]byte) []byte {
	data := []byte{ip[0], ip[1], ip[2], ip[3], ip[0], ip[1], ip[2]}
	return Build(SrcSteerReply, PGNScanReply, data)
}

// SubnetChange is the decoded payload of PGN 201.
type SubnetChange struct {
	Octets [3]byte
}

// ParseSubnetChange validates the magic bytes and extracts the new subnet.
func ParseSubnetChange(data []byte) (SubnetChange, error) {
	if len(data) < 5 {
		return SubnetChange{}, fmt.Errorf("subnet change too short: %d bytes", len(data))
	}
	if data[0] != 201 || data[1] != 201 {
		return SubnetChange{}, fmt.Errorf("subnet change invalid magic bytes: %d,%d", data[0], data[1])
	}
	return SubnetChange{Octets: [3]byte{data[2], data[3], data[4]}}, nil
}
