package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Container types of the still-image transport.
const (
	ContainerCommand  uint16 = 1
	ContainerData     uint16 = 2
	ContainerResponse uint16 = 3
	ContainerEvent    uint16 = 4
)

// Standard operation and response codes.
const (
	OpOpenSession   uint16 = 0x1002
	OpCloseSession  uint16 = 0x1003
	RespOK          uint16 = 0x2001
	RespSessionOpen uint16 = 0x201E
)

const (
	headerLen = 12
	maxParams = 5
)

var (
	ErrShortContainer = errors.New("usb: container shorter than header")
	ErrBadLength      = errors.New("usb: container length mismatch")
)

// Container is one still-image transport container.
type Container struct {
	Type          uint16
	Code          uint16
	TransactionID uint32
	Params        []uint32
}

// Marshal encodes c in little-endian wire order.
func (c Container) Marshal() []byte {
	params := c.Params
	if len(params) > maxParams {
		params = params[:maxParams]
	}
	buf := make([]byte, headerLen+4*len(params))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[4:], c.Type)
	binary.LittleEndian.PutUint16(buf[6:], c.Code)
	binary.LittleEndian.PutUint32(buf[8:], c.TransactionID)
	for i, p := range params {
		binary.LittleEndian.PutUint32(buf[headerLen+4*i:], p)
	}
	return buf
}

// ParseContainer decodes a command, response or event container. Trailing
// bytes past the declared length are ignored.
func ParseContainer(buf []byte) (Container, error) {
	if len(buf) < headerLen {
		return Container{}, ErrShortContainer
	}
	length := int(binary.LittleEndian.Uint32(buf[0:]))
	if length < headerLen || length > len(buf) || (length-headerLen)%4 != 0 {
		return Container{}, fmt.Errorf("%w: declared %d, have %d", ErrBadLength, length, len(buf))
	}
	c := Container{
		Type:          binary.LittleEndian.Uint16(buf[4:]),
		Code:          binary.LittleEndian.Uint16(buf[6:]),
		TransactionID: binary.LittleEndian.Uint32(buf[8:]),
	}
	n := (length - headerLen) / 4
	if n > maxParams {
		n = maxParams
	}
	if n > 0 {
		c.Params = make([]uint32, n)
		for i := range c.Params {
			c.Params[i] = binary.LittleEndian.Uint32(buf[headerLen+4*i:])
		}
	}
	return c, nil
}
