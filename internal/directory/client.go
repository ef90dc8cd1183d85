package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

// b64 is the key encoding used in JSON bodies: standard alphabet, no padding.
var b64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// Client is the typed API client built on Transport.
type Client struct {
	transport *Transport
	auth      *BasicAuth
	logger    *log.Logger
}

// NewClient returns an API client. auth may be nil for unauthenticated
// calls (registration).
func NewClient(transport *Transport, auth *BasicAuth, logger *log.Logger) *Client {
	return &Client{transport: transport, auth: auth, logger: logger}
}

// SetAuth replaces the credentials, e.g. after registration.
func (c *Client) SetAuth(auth *BasicAuth) {
	c.auth = auth
}

// GetPreKeyBundle fetches the pre-key bundle for one device of a user.
func (c *Client) GetPreKeyBundle(ctx context.Context, userID string, deviceID uint32) (*ratchet.PreKeyBundle, error) {
	bundles, err := c.fetchBundles(ctx, fmt.Sprintf("/v2/keys/%s/%d", userID, deviceID))
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("directory: no bundle for %s.%d", userID, deviceID)
	}
	return bundles[0], nil
}

// GetPreKeyBundles fetches pre-key bundles for every device of a user.
func (c *Client) GetPreKeyBundles(ctx context.Context, userID string) ([]*ratchet.PreKeyBundle, error) {
	return c.fetchBundles(ctx, fmt.Sprintf("/v2/keys/%s/*", userID))
}

func (c *Client) fetchBundles(ctx context.Context, path string) ([]*ratchet.PreKeyBundle, error) {
	var resp PreKeyResponse
	body, status, err := c.transport.Get(ctx, path, c.auth)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Status: status, Body: body}
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("directory: unmarshal pre-key response: %w", err)
	}

	identityKey, err := b64.DecodeString(resp.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("directory: decode identity key: %w", err)
	}

	bundles := make([]*ratchet.PreKeyBundle, 0, len(resp.Devices))
	for _, dev := range resp.Devices {
		if dev.SignedPreKey == nil {
			return nil, fmt.Errorf("directory: device %d without signed pre-key", dev.DeviceID)
		}
		spk, err := b64.DecodeString(dev.SignedPreKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("directory: decode signed pre-key: %w", err)
		}
		sig, err := b64.DecodeString(dev.SignedPreKey.Signature)
		if err != nil {
			return nil, fmt.Errorf("directory: decode signature: %w", err)
		}
		bundle := &ratchet.PreKeyBundle{
			RegistrationID:        dev.RegistrationID,
			DeviceID:              dev.DeviceID,
			SignedPreKeyID:        dev.SignedPreKey.KeyID,
			SignedPreKey:          spk,
			SignedPreKeySignature: sig,
			IdentityKey:           identityKey,
		}
		if dev.PreKey != nil {
			pk, err := b64.DecodeString(dev.PreKey.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("directory: decode pre-key: %w", err)
			}
			id := dev.PreKey.KeyID
			bundle.PreKeyID = &id
			bundle.PreKey = pk
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// SendMessages delivers an encrypted message list to every device of
// the destination over the HTTP fallback route. A 409 is returned as
// *MismatchedDevicesError, a 410 as *StaleDevicesError.
func (c *Client) SendMessages(ctx context.Context, destination string, list *OutgoingMessageList) error {
	body, status, err := c.transport.PutJSON(ctx, "/v1/messages/"+destination, list, c.auth)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		var mismatched MismatchedDevicesError
		if err := json.Unmarshal(body, &mismatched); err != nil {
			return fmt.Errorf("directory: unmarshal 409 body: %w", err)
		}
		return &mismatched
	case http.StatusGone:
		var stale StaleDevicesError
		if err := json.Unmarshal(body, &stale); err != nil {
			return fmt.Errorf("directory: unmarshal 410 body: %w", err)
		}
		return &stale
	default:
		return &StatusError{Status: status, Body: body}
	}
}

// RegisterAccount creates or re-registers the account and returns the
// assigned user and device ids.
func (c *Client) RegisterAccount(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	body, status, err := c.transport.PutJSON(ctx, "/v1/accounts", req, c.auth)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Status: status, Body: body}
	}
	var resp RegisterResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("directory: unmarshal register response: %w", err)
	}
	return &resp, nil
}

// RegisterKeys uploads the public identity key, a batch of one-time
// pre-keys, and the current signed pre-key.
func (c *Client) RegisterKeys(ctx context.Context, upload *KeyUpload) error {
	body, status, err := c.transport.PutJSON(ctx, "/v2/keys", upload, c.auth)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &StatusError{Status: status, Body: body}
	}
	return nil
}

// GetDevices lists the account's registered devices.
func (c *Client) GetDevices(ctx context.Context) ([]DeviceInfo, error) {
	var resp DeviceListResponse
	status, err := c.transport.GetJSON(ctx, "/v1/devices", c.auth, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Status: status}
	}
	return resp.Devices, nil
}

// NewKeyUpload assembles the upload body from generated key records.
func NewKeyUpload(identityKey []byte, preKeys []*ratchet.PreKeyRecord, signed *ratchet.SignedPreKeyRecord) *KeyUpload {
	upload := &KeyUpload{}
	if identityKey != nil {
		upload.IdentityKey = b64.EncodeToString(identityKey)
	}
	for _, pk := range preKeys {
		upload.PreKeys = append(upload.PreKeys, PreKeyEntity{
			KeyID:     pk.ID,
			PublicKey: b64.EncodeToString(pk.KeyPair.Public[:]),
		})
	}
	if signed != nil {
		upload.SignedPreKey = &SignedPreKeyEntity{
			KeyID:     signed.ID,
			PublicKey: b64.EncodeToString(signed.KeyPair.Public[:]),
			Signature: b64.EncodeToString(signed.Signature),
		}
	}
	return upload
}

// EncodeContent base64-encodes ciphertext for an OutgoingMessage body.
func EncodeContent(data []byte) string {
	return b64.EncodeToString(data)
}

// DecodeContent reverses EncodeContent.
func DecodeContent(s string) ([]byte, error) {
	return b64.DecodeString(s)
}
