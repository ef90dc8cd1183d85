package service

const paddingBlockSize = 80

// padMessage adds transport padding to a plaintext content body.
// Format: [content] [0x80] [0x00...] padded to 80-byte blocks. The
// +1 -1 accounts for the cipher's own length byte.
func padMessage(body []byte) []byte {
	paddedLen := paddedMessageLength(len(body)+1) - 1
	padded := make([]byte, paddedLen)
	copy(padded, body)
	padded[len(body)] = 0x80
	return padded
}

func paddedMessageLength(messageLength int) int {
	withTerminator := messageLength + 1
	parts := withTerminator / paddingBlockSize
	if withTerminator%paddingBlockSize != 0 {
		parts++
	}
	return parts * paddingBlockSize
}

// stripPadding removes transport padding from decrypted plaintext.
// Malformed padding is returned as-is.
func stripPadding(data []byte) []byte {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == 0x80 {
			return data[:i]
		}
		if data[i] != 0x00 {
			break
		}
	}
	return data
}
