// Package limits provides centralized frame size limits for the wire codec
// and the socket stages.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest UDP payload that fits an IPv4 datagram.
	MaxDatagramSize = 65507

	// MaxFrameSize is the largest length-prefixed TCP frame accepted.
	// It bounds every allocation driven by a length read from the network.
	MaxFrameSize = 1024 * 1024

	// SignatureOverhead is what signing adds to an encoded message:
	// the 32 byte public key plus the 64 byte detached signature.
	SignatureOverhead = 32 + 64

	// NoiseOverhead is the authentication tag added to every Noise
	// transport message (ChaCha20-Poly1305).
	NoiseOverhead = 16

	// MaxNoiseMessage is the largest Noise message on the wire.
	MaxNoiseMessage = 65535
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateFrame validates an encoded TCP frame body against MaxFrameSize.
func ValidateFrame(frame []byte) error {
	if err := ValidateMessageSize(frame, MaxFrameSize); err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	return nil
}

// ValidateFrameLength validates a length prefix before the body is read.
func ValidateFrameLength(length uint32) error {
	if length == 0 {
		return ErrMessageEmpty
	}
	if length > MaxFrameSize {
		return fmt.Errorf("%w: frame length %d exceeds limit %d", ErrMessageTooLarge, length, MaxFrameSize)
	}
	return nil
}

// ValidateDatagram validates an encoded UDP message against MaxDatagramSize.
func ValidateDatagram(datagram []byte) error {
	if err := ValidateMessageSize(datagram, MaxDatagramSize); err != nil {
		return fmt.Errorf("datagram: %w", err)
	}
	return nil
}
