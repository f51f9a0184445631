package connection

// Config carries the timing values used when sending.
type Config struct {
	// IdleTCPSeconds fails a TCP exchange without traffic. Zero disables it.
	IdleTCPSeconds int
	// IdleUDPSeconds fails a UDP exchange without traffic. Zero disables it.
	IdleUDPSeconds int
	// ConnectTimeoutMillis bounds a TCP connect.
	ConnectTimeoutMillis int
	// HeartbeatMillis is the heartbeat interval of persistent connections.
	HeartbeatMillis int
}

// DefaultConfig returns the timing values of a default node.
func DefaultConfig() Config {
	return Config{
		IdleTCPSeconds:       5,
		IdleUDPSeconds:       5,
		ConnectTimeoutMillis: 3000,
		HeartbeatMillis:      2000,
	}
}
