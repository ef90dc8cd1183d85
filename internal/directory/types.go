package directory

// PreKeyResponse is the JSON response from GET /v2/keys/{user}/{device}.
type PreKeyResponse struct {
	IdentityKey string             `json:"identityKey"` // base64 no-pad
	Devices     []PreKeyDeviceInfo `json:"devices"`
}

// PreKeyDeviceInfo contains pre-key material for a single device.
type PreKeyDeviceInfo struct {
	DeviceID       uint32              `json:"deviceId"`
	RegistrationID uint32              `json:"registrationId"`
	SignedPreKey   *SignedPreKeyEntity `json:"signedPreKey"`
	PreKey         *PreKeyEntity       `json:"preKey,omitempty"`
}

// PreKeyEntity is the JSON representation of a one-time pre-key.
type PreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"` // base64 no-pad
}

// SignedPreKeyEntity is the JSON representation of a signed pre-key.
type SignedPreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"` // base64 no-pad
	Signature string `json:"signature"` // base64 no-pad
}

// KeyUpload is the JSON body for PUT /v2/keys.
type KeyUpload struct {
	IdentityKey  string              `json:"identityKey,omitempty"` // base64 no-pad
	PreKeys      []PreKeyEntity      `json:"preKeys,omitempty"`
	SignedPreKey *SignedPreKeyEntity `json:"signedPreKey,omitempty"`
}

// RegisterRequest is the JSON body for PUT /v1/accounts.
type RegisterRequest struct {
	RegistrationID  uint32 `json:"registrationId"`
	FetchesMessages bool   `json:"fetchesMessages"`
	Name            string `json:"name,omitempty"`
}

// RegisterResponse is the JSON response from PUT /v1/accounts.
type RegisterResponse struct {
	UserID   string `json:"userId"`
	DeviceID uint32 `json:"deviceId"`
}

// OutgoingMessageList is the JSON body for PUT /v1/messages/{destination}.
type OutgoingMessageList struct {
	Destination string            `json:"destination"`
	Timestamp   uint64            `json:"timestamp"`
	Messages    []OutgoingMessage `json:"messages"`
	Online      bool              `json:"online"`
	Urgent      bool              `json:"urgent"`
}

// OutgoingMessage is a single per-device message in an OutgoingMessageList.
type OutgoingMessage struct {
	Type                      uint32 `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"` // base64 no-pad
}

// DeviceListResponse is the JSON response from GET /v1/devices.
type DeviceListResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// DeviceInfo describes one registered device of the account.
type DeviceInfo struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Created  int64  `json:"created"`
	LastSeen int64  `json:"lastSeen"`
}
