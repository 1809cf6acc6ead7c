package sshcore

// Config holds per-listener defaults: algorithm overrides, logging
// verbosity, and the blocking/non-blocking mode flag, per spec.md §3's
// Listener attributes ("per-listener defaults (algorithm overrides, log
// verbosity, blocking flag)").
type Config struct {
	// KexAlgos, Ciphers, MACs override the supported lists advertised in
	// KEXINIT. A nil slice falls back to this core's defaults.
	KexAlgos []string
	Ciphers  []string
	MACs     []string

	// RSAHostKeyPath and DSAHostKeyPath locate PEM-encoded host keys. At
	// least one must be set (spec.md §8 scenario 2).
	RSAHostKeyPath string
	DSAHostKeyPath string

	// Blocking selects blocking I/O for the handshake driver. Only
	// blocking mode is implemented by HandleKeyExchange (spec.md §4.D
	// step 4: "blocking is acceptable here"); non-blocking pumping is
	// left to the caller's own event loop driving ExecuteMessageCallbacks
	// in a poll cycle (spec.md §5).
	Blocking bool

	// AuthMethods overrides the default advertised auth methods
	// (publickey|password) used in default USERAUTH_FAILURE replies.
	AuthMethods AuthMethod
}

func (c *Config) kexAlgos() []string {
	if c == nil || len(c.KexAlgos) == 0 {
		return supportedKexAlgos
	}
	return c.KexAlgos
}

func (c *Config) ciphers() []string {
	if c == nil || len(c.Ciphers) == 0 {
		return supportedCiphers
	}
	return c.Ciphers
}

func (c *Config) macs() []string {
	if c == nil || len(c.MACs) == 0 {
		return supportedMACs
	}
	return c.MACs
}

func (c *Config) authMethods() AuthMethod {
	if c == nil || c.AuthMethods == 0 {
		return defaultAuthMethods
	}
	return c.AuthMethods
}
