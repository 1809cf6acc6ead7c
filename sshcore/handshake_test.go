package sshcore

import (
	"bufio"
	"bytes"
	"math/big"
	"net"
	"testing"
	"time"
)

// newPipeSession returns a Session over one end of an in-memory
// net.Pipe and the other end as the client, so handshake tests never
// touch a real socket.
func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	s := newSession(server, &Config{}, nil)
	return s, client
}

func TestReceiveBannerWithinLimit(t *testing.T) {
	s, client := newPipeSession(t)
	go client.Write([]byte("SSH-2.0-testclient_1.0\r\n"))

	br := bufio.NewReader(s.conn)
	if err := receiveBanner(s, br); err != nil {
		t.Fatalf("receiveBanner: %v", err)
	}
	if string(s.clientBanner) != "SSH-2.0-testclient_1.0" {
		t.Errorf("clientBanner: got %q", s.clientBanner)
	}
	if s.state != StateBannerReceived {
		t.Errorf("state: got %v, want %v", s.state, StateBannerReceived)
	}
}

func TestReceiveBannerTooLong(t *testing.T) {
	s, client := newPipeSession(t)
	line := append([]byte("SSH-2.0-"), bytes.Repeat([]byte{'x'}, maxBannerLength+10)...)
	line = append(line, '\n')
	go client.Write(line)

	br := bufio.NewReader(s.conn)
	if err := receiveBanner(s, br); err == nil {
		t.Error("receiveBanner over the length limit: expected error, got nil")
	}
}

func TestReceiveBannerAtLimitSucceeds(t *testing.T) {
	s, client := newPipeSession(t)
	// Exactly maxBannerLength bytes before the newline is the boundary
	// case: still accepted.
	line := append([]byte("SSH-2.0-"), bytes.Repeat([]byte{'x'}, maxBannerLength-8)...)
	line = append(line, '\n')
	go client.Write(line)

	br := bufio.NewReader(s.conn)
	if err := receiveBanner(s, br); err != nil {
		t.Fatalf("receiveBanner at the boundary: %v", err)
	}
}

func TestTransitionFromBannerRejectsSSH1(t *testing.T) {
	s, _ := newPipeSession(t)
	s.clientBanner = []byte("SSH-1.5-oldclient")
	br := bufio.NewReader(bytes.NewReader(nil))
	if err := transitionFromBanner(s, br); err == nil {
		t.Error("transitionFromBanner with an SSH-1 banner: expected error, got nil")
	}
}

func TestTransitionFromBannerRejectsMalformed(t *testing.T) {
	s, _ := newPipeSession(t)
	s.clientBanner = []byte("not-an-ssh-banner")
	br := bufio.NewReader(bytes.NewReader(nil))
	if err := transitionFromBanner(s, br); err == nil {
		t.Error("transitionFromBanner with a malformed banner: expected error, got nil")
	}
}

func TestPumpOnePacketRejectsKexDHInitBeforeKexInit(t *testing.T) {
	s, client := newPipeSession(t)
	s.state = StateInitialKex // KEXINIT sent, not yet received back

	go func() {
		w := newWireBuffer()
		w.writeUint8(msgKexDHInit)
		w.writeMPInt(big.NewInt(1))
		packet := newPacketWriter(client)
		packet.writePacket(w.Bytes())
	}()

	s.rx = newPacketReader(s.conn)
	time.Sleep(10 * time.Millisecond)

	err := pumpOnePacket(s)
	if err == nil {
		t.Fatal("pumpOnePacket with KEXDH_INIT before KEXINIT exchange: expected error, got nil")
	}

	// pumpOnePacket itself never assigns StateError; only the
	// HandleKeyExchange loop's fail() wrapper does (spec.md §8 scenario
	// 3: "session transitions to ERROR").
	s.fail(err)
	if s.state != StateError {
		t.Errorf("state after fail(): got %v, want %v", s.state, StateError)
	}
}
