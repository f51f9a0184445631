// Package noise secures TCP streams between peers with the Noise Protocol
// Framework, using the flynn/noise implementation with Curve25519 key
// exchange, ChaCha20-Poly1305 encryption and SHA-256 hashing.
//
// # Pattern
//
// Peers in the overlay learn each other's transport keys only when they
// connect, so the XX pattern is used: both static keys travel inside the
// handshake and both sides are authenticated.
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// # Usage
//
// Client and Server run the handshake over an established connection and
// return a Conn that encrypts everything written to it:
//
//	key, _ := noise.GenerateStaticKey()
//	secure, err := noise.Client(conn, key, 5*time.Second)
//	if err != nil {
//	    conn.Close()
//	    return err
//	}
//	secure.Write(frame)
//
// Every handshake and transport message travels with a two byte big endian
// length prefix. Writes larger than one transport message are split.
package noise
