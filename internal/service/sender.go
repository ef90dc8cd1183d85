package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/pjdhoorn/mercury-go/internal/directory"
	"github.com/pjdhoorn/mercury-go/internal/ratchet"
	"github.com/pjdhoorn/mercury-go/internal/store"
	"github.com/pjdhoorn/mercury-go/internal/wire"
)

const defaultSendWorkers = 4

// Recipient names a send target: a whole user (DeviceID 0, all known
// devices) or one specific device.
type Recipient struct {
	UserID   string
	DeviceID uint32
}

// SendResult is the outcome for one recipient device.
type SendResult struct {
	Address   ratchet.Address
	Timestamp uint64 // UnixMilli of the sent message, set on success
	Err       error
}

// OK reports whether the device received the message.
func (r SendResult) OK() bool { return r.Err == nil }

// Sender encrypts and delivers messages to recipient devices. Per
// device it ensures a session (fetching a pre-key bundle on miss),
// encrypts under the shared address lock, and transmits; stale or
// mismatched device responses rebuild the affected sessions and retry
// once.
type Sender struct {
	store   *store.Store
	api     *directory.Client
	locks   *AddrLocks
	logger  *log.Logger
	workers int

	localUserID   string
	localDeviceID uint32
}

// NewSender returns a sender. locks must be shared with the receiver
// operating on the same store.
func NewSender(st *store.Store, api *directory.Client, locks *AddrLocks, localUserID string, localDeviceID uint32, logger *log.Logger) *Sender {
	return &Sender{
		store:         st,
		api:           api,
		locks:         locks,
		logger:        logger,
		workers:       defaultSendWorkers,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
	}
}

// SetWorkers bounds the per-send encryption parallelism.
func (s *Sender) SetWorkers(n int) {
	if n > 0 {
		s.workers = n
	}
}

// SendDataMessage encrypts dm for every recipient device and delivers
// it, returning one result per device. With syncToSelf, the message is
// also wrapped in a sync envelope and delivered to the account's other
// devices. The returned error covers operation-level failures only
// (nothing resolved, local account broken); per-device failures are in
// the results.
func (s *Sender) SendDataMessage(ctx context.Context, recipients []Recipient, dm *wire.DataMessage, syncToSelf bool) ([]SendResult, error) {
	ik, err := s.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if ik == nil {
		return nil, store.ErrNotRegistered
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("sender: no recipients")
	}

	timestamp := dm.Timestamp
	if timestamp == 0 {
		// Stamp a copy; the caller's message stays untouched.
		timestamp = uint64(time.Now().UnixMilli())
		stamped := *dm
		stamped.Timestamp = timestamp
		dm = &stamped
	}

	content := padMessage(wire.MarshalContent(&wire.Content{DataMessage: dm}))

	// Group explicit devices by user, preserving first-seen user order.
	users := make([]string, 0, len(recipients))
	devicesByUser := make(map[string][]uint32)
	for _, rcpt := range recipients {
		if _, seen := devicesByUser[rcpt.UserID]; !seen {
			users = append(users, rcpt.UserID)
		}
		if rcpt.DeviceID != 0 && !slices.Contains(devicesByUser[rcpt.UserID], rcpt.DeviceID) {
			devicesByUser[rcpt.UserID] = append(devicesByUser[rcpt.UserID], rcpt.DeviceID)
		}
	}

	var results []SendResult
	for _, userID := range users {
		results = append(results, s.sendToUser(ctx, userID, devicesByUser[userID], content, timestamp)...)
	}

	resolved := false
	for _, res := range results {
		if res.Address.DeviceID != 0 {
			resolved = true
			break
		}
	}
	if !resolved {
		return results, fmt.Errorf("sender: no recipient devices resolved")
	}

	if syncToSelf {
		results = append(results, s.syncSent(ctx, users[0], dm, timestamp)...)
	}
	return results, nil
}

// syncSent delivers a SyncMessage.Sent wrapper of dm to the account's
// other devices. No devices is not a failure.
func (s *Sender) syncSent(ctx context.Context, destination string, dm *wire.DataMessage, timestamp uint64) []SendResult {
	devices, err := s.ownSyncDevices(ctx)
	if err != nil {
		logf(s.logger, "sender: resolve own devices: %v", err)
		return []SendResult{{Address: ratchet.NewAddress(s.localUserID, 0), Err: err}}
	}
	if len(devices) == 0 {
		return nil
	}

	content := padMessage(wire.MarshalContent(&wire.Content{
		SyncMessage: &wire.SyncMessage{
			Sent: &wire.SyncSent{
				Destination: destination,
				Timestamp:   timestamp,
				Message:     dm,
			},
		},
	}))
	return s.deliver(ctx, s.localUserID, devices, content, timestamp)
}

// ownSyncDevices lists the account's other devices: known sessions
// first, the directory as fallback, always excluding the sending device.
func (s *Sender) ownSyncDevices(ctx context.Context) ([]uint32, error) {
	devices, err := s.store.DeviceIDs(s.localUserID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		infos, err := s.api.GetDevices(ctx)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			devices = append(devices, info.ID)
		}
	}
	return slices.DeleteFunc(devices, func(id uint32) bool { return id == s.localDeviceID }), nil
}

// sendToUser resolves the device set for one user and delivers to it.
func (s *Sender) sendToUser(ctx context.Context, userID string, devices []uint32, content []byte, timestamp uint64) []SendResult {
	if len(devices) == 0 {
		var err error
		devices, err = s.resolveDevices(ctx, userID)
		if err != nil {
			return []SendResult{{Address: ratchet.NewAddress(userID, 0), Err: err}}
		}
	}
	if userID == s.localUserID {
		devices = slices.DeleteFunc(devices, func(id uint32) bool { return id == s.localDeviceID })
	}
	if len(devices) == 0 {
		return []SendResult{{
			Address: ratchet.NewAddress(userID, 0),
			Err:     fmt.Errorf("sender: no devices for %s", userID),
		}}
	}
	return s.deliver(ctx, userID, devices, content, timestamp)
}

// resolveDevices returns the fan-out device set for a user: stored
// sessions when present, otherwise the user's published bundles.
func (s *Sender) resolveDevices(ctx context.Context, userID string) ([]uint32, error) {
	devices, err := s.store.DeviceIDs(userID)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices, nil
	}
	bundles, err := s.api.GetPreKeyBundles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sender: resolve devices for %s: %w", userID, err)
	}
	for _, bundle := range bundles {
		devices = append(devices, bundle.DeviceID)
	}
	return devices, nil
}

// deliver encrypts content for the given devices and transmits the
// batch. A 409/410 rebuilds the affected sessions and retries once;
// the second failure is terminal for the batch.
func (s *Sender) deliver(ctx context.Context, userID string, devices []uint32, content []byte, timestamp uint64) []SendResult {
	var results []SendResult

	for attempt := 0; ; attempt++ {
		msgs, failures := s.encryptAll(ctx, userID, devices, content)
		results = append(results, failures...)
		if len(msgs) == 0 {
			return results
		}

		err := s.api.SendMessages(ctx, userID, &directory.OutgoingMessageList{
			Destination: userID,
			Timestamp:   timestamp,
			Messages:    msgs,
			Urgent:      true,
		})
		if err == nil {
			for _, msg := range msgs {
				results = append(results, SendResult{
					Address:   ratchet.NewAddress(userID, msg.DestinationDeviceID),
					Timestamp: timestamp,
				})
			}
			return results
		}

		// Keep only the devices that made it into this batch; encrypt
		// failures were already recorded.
		devices = devices[:0]
		for _, msg := range msgs {
			devices = append(devices, msg.DestinationDeviceID)
		}

		var stale *directory.StaleDevicesError
		var mismatched *directory.MismatchedDevicesError
		switch {
		case attempt > 0:
			// Second failure is terminal.
		case errors.As(err, &stale):
			logf(s.logger, "sender: 410 from %s, stale=%v", userID, stale.StaleDevices)
			for _, id := range stale.StaleDevices {
				s.deleteSession(ratchet.NewAddress(userID, id))
			}
			continue
		case errors.As(err, &mismatched):
			logf(s.logger, "sender: 409 from %s, missing=%v extra=%v",
				userID, mismatched.MissingDevices, mismatched.ExtraDevices)
			for _, id := range mismatched.ExtraDevices {
				s.deleteSession(ratchet.NewAddress(userID, id))
				devices = slices.DeleteFunc(devices, func(d uint32) bool { return d == id })
			}
			for _, id := range mismatched.MissingDevices {
				if userID == s.localUserID && id == s.localDeviceID {
					continue
				}
				if !slices.Contains(devices, id) {
					devices = append(devices, id)
				}
			}
			if len(devices) == 0 {
				return results
			}
			continue
		}

		for _, id := range devices {
			results = append(results, SendResult{
				Address: ratchet.NewAddress(userID, id),
				Err:     fmt.Errorf("sender: deliver to %s.%d: %w", userID, id, err),
			})
		}
		return results
	}
}

// deleteSession removes the session for addr under the address lock,
// so an in-flight load-encrypt-store cycle for the same address cannot
// write back the record being torn down.
func (s *Sender) deleteSession(addr ratchet.Address) {
	unlock := s.locks.Lock(addr)
	defer unlock()
	if err := s.store.DeleteSession(addr); err != nil {
		logf(s.logger, "sender: delete session %s: %v", addr, err)
	}
}

// encryptAll encrypts content for every device through a bounded
// worker pool. Same-address work is still serialized by the shared
// locks; the pool only parallelizes across devices.
func (s *Sender) encryptAll(ctx context.Context, userID string, devices []uint32, content []byte) ([]directory.OutgoingMessage, []SendResult) {
	type slot struct {
		msg *directory.OutgoingMessage
		err error
	}
	slots := make([]slot, len(devices))

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i, deviceID := range devices {
		wg.Add(1)
		go func(i int, deviceID uint32) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			msg, err := s.encryptFor(ctx, ratchet.NewAddress(userID, deviceID), content)
			slots[i] = slot{msg: msg, err: err}
		}(i, deviceID)
	}
	wg.Wait()

	var msgs []directory.OutgoingMessage
	var failures []SendResult
	for i, deviceID := range devices {
		if slots[i].err != nil {
			failures = append(failures, SendResult{
				Address: ratchet.NewAddress(userID, deviceID),
				Err:     slots[i].err,
			})
			continue
		}
		msgs = append(msgs, *slots[i].msg)
	}
	return msgs, failures
}

// encryptFor produces the outgoing message for one device, fetching a
// pre-key bundle and establishing a session when none exists. The
// whole load-encrypt-store cycle runs under the address lock.
func (s *Sender) encryptFor(ctx context.Context, addr ratchet.Address, content []byte) (*directory.OutgoingMessage, error) {
	unlock := s.locks.Lock(addr)
	defer unlock()

	session, err := s.store.LoadSession(addr)
	if err != nil {
		return nil, err
	}
	if session == nil {
		bundle, err := s.api.GetPreKeyBundle(ctx, addr.UserID, addr.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("sender: pre-key bundle for %s: %w", addr, err)
		}
		if err := ratchet.ProcessPreKeyBundle(bundle, addr, s.store, s.store); err != nil {
			return nil, fmt.Errorf("sender: establish session with %s: %w", addr, err)
		}
		session, err = s.store.LoadSession(addr)
		if err != nil {
			return nil, err
		}
	}

	msg, err := ratchet.Encrypt(content, addr, s.store, s.store)
	if err != nil {
		return nil, fmt.Errorf("sender: encrypt for %s: %w", addr, err)
	}

	return &directory.OutgoingMessage{
		Type:                      envelopeTypeFor(msg.Type),
		DestinationDeviceID:       addr.DeviceID,
		DestinationRegistrationID: session.RemoteRegistrationID,
		Content:                   directory.EncodeContent(msg.Serialized),
	}, nil
}

// envelopeTypeFor maps ciphertext message types to envelope types.
// These are different numbering schemes:
//
//	ratchet Whisper (2) → Envelope CIPHERTEXT (1)
//	ratchet PreKey  (3) → Envelope PREKEY_BUNDLE (3)
func envelopeTypeFor(ciphertextType uint8) uint32 {
	switch ciphertextType {
	case ratchet.MessageTypeWhisper:
		return wire.EnvelopeCiphertext
	case ratchet.MessageTypePreKey:
		return wire.EnvelopePreKeyBundle
	default:
		return uint32(ciphertextType)
	}
}
