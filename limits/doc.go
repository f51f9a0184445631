// Package limits provides centralized size constants and validation
// functions for everything the transport core reads from or writes to a
// socket.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (65507 bytes): the largest encoded message sent as a
//     single UDP datagram.
//
//   - MaxFrameSize (1MB): the largest length-prefixed TCP frame. A length
//     prefix above this closes the connection before any allocation.
//
//   - SignatureOverhead (96 bytes): public key plus detached signature
//     appended to signed messages.
//
//   - NoiseOverhead (16 bytes): the Poly1305 tag added to every Noise
//     transport message.
//
// # Validation Functions
//
//	err := limits.ValidateFrame(frame)
//	if err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, 4096)
package limits
