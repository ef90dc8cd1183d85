// Package ratchet implements X3DH session establishment and a double
// ratchet for forward-secure message encryption. All mutable session
// state lives in the store interfaces; the package itself is stateless.
package ratchet

import "fmt"

// Address identifies one cryptographic endpoint: a device of a user.
type Address struct {
	UserID   string
	DeviceID uint32
}

// NewAddress returns the address for the given user and device.
func NewAddress(userID string, deviceID uint32) Address {
	return Address{UserID: userID, DeviceID: deviceID}
}

// String renders the address as "user.device", the canonical store key.
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.UserID, a.DeviceID)
}
