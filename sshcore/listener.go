package sshcore

import (
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultPort = 22

// Listener is the bound-socket record of spec.md §4.C: bind address,
// port, host-key paths, the listening socket, and per-listener defaults.
// The §9 "Open question: address resolution" is resolved here by
// resolving the bind address to either an IPv4 or IPv6 sockaddr rather
// than hardcoding a legacy, IPv4-only resolver.
type Listener struct {
	Addr string // bind address; empty means "0.0.0.0"
	Port int    // default 22

	Config *Config

	log *zap.Logger

	netListener net.Listener
}

// NewListener allocates a Listener with the default port and an
// unbound socket, matching spec.md §4.C's new().
func NewListener(log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{Port: defaultPort, Config: &Config{}, log: log}
}

// Listen resolves the bind address (default 0.0.0.0), creates a TCP
// socket with SO_REUSEADDR explicitly set (SPEC_FULL.md §4.C), binds,
// and listens with a literal backlog of 10, per spec.md §4.C. The
// socket is built by hand through golang.org/x/sys/unix rather than
// net.ListenConfig because net's listen(2) path does not expose the
// backlog argument.
func (l *Listener) Listen() error {
	addr := l.Addr
	if addr == "" {
		addr = "0.0.0.0"
	}
	if l.Port == 0 {
		l.Port = defaultPort
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", addr)
		if err != nil {
			return newConfigError("resolving %s: %v", addr, err)
		}
		ip = resolved.IP
	}

	domain := unix.AF_INET
	ip4 := ip.To4()
	if ip4 == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return newConfigError("socket: %v", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return newConfigError("setsockopt SO_REUSEADDR: %v", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var raw [4]byte
		copy(raw[:], ip4)
		sa = &unix.SockaddrInet4{Port: l.Port, Addr: raw}
	} else {
		var raw [16]byte
		copy(raw[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: l.Port, Addr: raw}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return newConfigError("binding %s:%d: %v", addr, l.Port, err)
	}

	if err := unix.Listen(fd, 10); err != nil {
		unix.Close(fd)
		return newConfigError("listen on %s:%d: %v", addr, l.Port, err)
	}

	f := os.NewFile(uintptr(fd), "sshcore-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return newConfigError("wrapping listener fd: %v", err)
	}

	l.netListener = ln
	return nil
}

// Accept requires at least one host key path set (spec.md §8 scenario
// 2), loads the configured host key files, accepts one connection, and
// returns an initialized Session with the role, algorithm overrides,
// and log verbosity copied onto it. On any failure the already-loaded
// keys are zeroed before returning (spec.md §4.C).
func (l *Listener) Accept() (*Session, error) {
	if l.Config.RSAHostKeyPath == "" && l.Config.DSAHostKeyPath == "" {
		return nil, newConfigError("DSA or RSA host key file must be set before accept()")
	}

	keys, err := LoadHostKeys(l.Config.RSAHostKeyPath, l.Config.DSAHostKeyPath)
	if err != nil {
		return nil, err
	}

	conn, err := l.netListener.Accept()
	if err != nil {
		for _, k := range keys {
			k.zero()
		}
		return nil, newIoError(err)
	}

	s := newSession(conn, l.Config, l.log)
	s.hostKeys = keys
	s.state = StateConnecting
	return s, nil
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	if l.netListener == nil {
		return nil
	}
	return l.netListener.Close()
}
