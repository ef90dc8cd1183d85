package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize      = 32
	maxSkippedMK = 1000
)

// header describes one ratchet message: the sender's current ratchet
// public key and the chain counters.
type header struct {
	DHPub []byte
	PN    uint32 // messages in the previous sending chain
	N     uint32 // message number within the current chain
}

// state is the mutable double ratchet state for one session. It is
// serialized as part of the session record; field names are stable.
type state struct {
	RootKey   []byte            `json:"rk"`
	DHPriv    []byte            `json:"dhs"`
	DHPub     []byte            `json:"dhp"`
	PeerDHPub []byte            `json:"dhr,omitempty"`
	SendCK    []byte            `json:"cks,omitempty"`
	RecvCK    []byte            `json:"ckr,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped,omitempty"`
}

// encrypt derives the next message key from the sending chain and seals
// plaintext. The responder's first send triggers a DH ratchet step since
// its sending chain starts uninitialized.
func (st *state) encrypt(ad, plaintext []byte) (header, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := st.stepSendingChain(); err != nil {
			return header{}, nil, err
		}
	}

	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK

	h := header{DHPub: st.DHPub, PN: st.PN, N: st.Ns}
	ct, err := seal(mk, h, ad, plaintext)
	if err != nil {
		return header{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// decrypt opens a message, handling skipped message keys and advancing
// the DH ratchet when the peer presents a new ratchet public key.
func (st *state) decrypt(ad []byte, h header, ciphertext []byte) ([]byte, error) {
	// Same ratchet key as before: the message belongs to the current
	// receiving chain, possibly out of order.
	if bytesEqual32(st.PeerDHPub, h.DHPub) {
		if mk, ok := st.takeSkipped(h.DHPub, h.N); ok {
			pt, err := open(mk, h, ad, ciphertext)
			if err != nil {
				return nil, ErrBadCiphertext
			}
			return pt, nil
		}
	} else {
		// New ratchet key: close out the old receiving chain, then
		// advance both chains.
		st.skipReceiving(h.PN)
		if err := st.stepReceivingChain(h.DHPub); err != nil {
			return nil, err
		}
	}

	st.skipReceiving(h.N)
	if len(st.RecvCK) == 0 {
		return nil, ErrBadCiphertext
	}
	nextCK, mk := kdfCK(st.RecvCK)
	pt, err := open(mk, h, ad, ciphertext)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	st.RecvCK = nextCK
	st.Nr++
	return pt, nil
}

// stepSendingChain generates a fresh ratchet key pair and seeds the
// sending chain against the peer's current ratchet public key.
func (st *state) stepSendingChain() error {
	if len(st.PeerDHPub) == 0 {
		return ErrNoSession
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	dh, err := kp.Agree(st.PeerDHPub)
	if err != nil {
		return err
	}
	newRK, sendCK := kdfRK(st.RootKey, dh)

	st.PN = st.Ns
	st.Ns = 0
	st.RootKey = newRK
	st.DHPriv = kp.Private[:]
	st.DHPub = kp.Public[:]
	st.SendCK = sendCK
	return nil
}

// stepReceivingChain advances the root for a newly seen peer ratchet key
// and resets the receiving chain. The sending chain is invalidated so the
// next encrypt performs its own DH step.
func (st *state) stepReceivingChain(peerPub []byte) error {
	kp := KeyPair{}
	copy(kp.Private[:], st.DHPriv)
	dh, err := kp.Agree(peerPub)
	if err != nil {
		return err
	}
	newRK, recvCK := kdfRK(st.RootKey, dh)

	st.RootKey = newRK
	st.PeerDHPub = append([]byte(nil), peerPub...)
	st.RecvCK = recvCK
	st.SendCK = nil
	st.Nr = 0
	return nil
}

// skipReceiving derives and stores message keys up to n, capped so a
// hostile peer cannot exhaust memory.
func (st *state) skipReceiving(n uint32) {
	if len(st.RecvCK) == 0 {
		return
	}
	for st.Nr < n {
		nextCK, mk := kdfCK(st.RecvCK)
		st.RecvCK = nextCK
		if st.Skipped == nil {
			st.Skipped = make(map[string][]byte)
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func (st *state) takeSkipped(peerPub []byte, n uint32) ([]byte, bool) {
	id := skippedKeyID(peerPub, n)
	mk, ok := st.Skipped[id]
	if ok {
		delete(st.Skipped, id)
	}
	return mk, ok
}

func skippedKeyID(peerPub []byte, n uint32) string {
	b := make([]byte, len(peerPub)+4)
	copy(b, peerPub)
	binary.BigEndian.PutUint32(b[len(peerPub):], n)
	return hex.EncodeToString(b)
}

func seal(mk []byte, h header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:keySize])
	if err != nil {
		return nil, fmt.Errorf("ratchet: aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], h.N)
	return aead.Seal(nil, nonce, plaintext, headerAD(h, ad)), nil
}

func open(mk []byte, h header, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:keySize])
	if err != nil {
		return nil, fmt.Errorf("ratchet: aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], h.N)
	return aead.Open(nil, nonce, ciphertext, headerAD(h, ad))
}

// headerAD binds the header fields into the AEAD associated data so a
// tampered header fails authentication.
func headerAD(h header, ad []byte) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// kdfRK advances the root key with fresh DH output, yielding the new
// root key and a chain key.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("mercury/ratchet/root"))
	newRK = make([]byte, keySize)
	ck = make([]byte, keySize)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

// kdfCK advances a chain key and derives one message key.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("mercury/ratchet/chain"))
	nextCK = make([]byte, keySize)
	mk = make([]byte, keySize)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func bytesEqual32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
