// Package crypto provides the message signing primitives used by the wire
// codec: NaCl detached signatures over encoded frames and helpers to erase
// key material.
//
//	signer, _ := crypto.NewSigner()
//	sig := signer.Sign(frame)
//	err := crypto.VerifyDetached(signer.PublicKey(), frame, sig)
package crypto
