package directory

import "fmt"

// StatusError is an unexpected HTTP status from the API.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory: unexpected status %d: %s", e.Status, e.Body)
}

// MismatchedDevicesError is the 409 response to a message send: the
// device list in the request does not match the account's current
// devices. The sender must add sessions for missing devices and drop
// extra ones, then retry.
type MismatchedDevicesError struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("directory: mismatched devices (missing %v, extra %v)",
		e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError is the 410 response to a message send: sessions
// for these devices are stale and must be discarded and rebuilt.
type StaleDevicesError struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("directory: stale devices %v", e.StaleDevices)
}
