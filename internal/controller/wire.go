package controller

import (
	"fmt"
	"math"
)

// Kind is the leading byte of every controller datagram
type Kind byte

const (
	KindHeartbeat  Kind = 0x01
	KindLog        Kind = 0x02
	KindArmGamepad Kind = 0x10
	KindArmMaster  Kind = 0x11
	KindDrive      Kind = 0x12
	KindGimbal     Kind = 0x13
)

var kindNames = map[Kind]string{
	KindHeartbeat:  "heartbeat",
	KindLog:        "log",
	KindArmGamepad: "arm_gamepad",
	KindArmMaster:  "arm_master",
	KindDrive:      "drive",
	KindGimbal:     "gimbal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// Valid reports whether k is a defined kind
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Controller ids burned into the firmware
const (
	IDMasterArm   byte = 1
	IDArm         byte = 2
	IDDriveGimbal byte = 3
)

// KindOf validates the leading kind byte of a command payload
func KindOf(b []byte) (Kind, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty controller message")
	}
	k := Kind(b[0])
	if !k.Valid() {
		return k, fmt.Errorf("unknown controller message %s", k)
	}
	return k, nil
}

// CheckKind returns an error unless b carries one of the allowed kinds
func CheckKind(b []byte, allowed ...Kind) error {
	k, err := KindOf(b)
	if err != nil {
		return err
	}
	for _, a := range allowed {
		if k == a {
			return nil
		}
	}
	return fmt.Errorf("controller message %s not accepted here", k)
}

// AxisToByte maps an axis in [-1,1] to [0,200] with 100 at rest
func AxisToByte(v float64) byte {
	v = math.Max(-1, math.Min(1, v))
	return byte(math.Round((v + 1) * 100))
}

// AxisFromByte is the inverse of AxisToByte
func AxisFromByte(b byte) float64 {
	if b > 200 {
		b = 200
	}
	return float64(b)/100 - 1
}

// EncodeDrive builds a skid-steer command from left and right wheel speeds
func EncodeDrive(left, right float64) []byte {
	return []byte{byte(KindDrive), AxisToByte(left), AxisToByte(right)}
}

// EncodeGimbal builds a camera gimbal rate command
func EncodeGimbal(pan, tilt float64) []byte {
	return []byte{byte(KindGimbal), AxisToByte(pan), AxisToByte(tilt)}
}

// EncodeArm builds an arm command from one axis per joint
func EncodeArm(kind Kind, joints ...float64) []byte {
	b := make([]byte, 0, 1+len(joints))
	b = append(b, byte(kind))
	for _, j := range joints {
		b = append(b, AxisToByte(j))
	}
	return b
}

// DecodeAxes returns the axis values following the kind byte
func DecodeAxes(b []byte) []float64 {
	if len(b) < 2 {
		return nil
	}
	axes := make([]float64, len(b)-1)
	for i, v := range b[1:] {
		axes[i] = AxisFromByte(v)
	}
	return axes
}
