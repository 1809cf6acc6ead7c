// Command sshcored runs a minimal SSH-2 connection-establishment
// listener: it accepts connections, drives the handshake to
// AUTHENTICATING, and then lets the default message dispatcher answer
// every request, logging only failures. It exists to exercise sshcore end to end, not as a
// usable SSH server (there is no shell, channel, or forwarding support
// behind it).
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rgo/libssh/sshcore"
)

var (
	listenAddr string
	listenPort int
	rsaKeyPath string
	dsaKeyPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshcored",
		Short: "Accepts SSH-2 connections and drives the handshake to AUTHENTICATING",
		RunE:  run,
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "", "bind address (default 0.0.0.0)")
	flags.IntVar(&listenPort, "port", 22, "bind port")
	flags.StringVar(&rsaKeyPath, "rsa-host-key", "", "path to a PEM-encoded PKCS#1 RSA host key")
	flags.StringVar(&dsaKeyPath, "dsa-host-key", "", "path to a PEM-encoded DSA host key")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if rsaKeyPath == "" && dsaKeyPath == "" {
		return errors.New("at least one of --rsa-host-key or --dsa-host-key must be set")
	}

	ln := sshcore.NewListener(log)
	ln.Addr = listenAddr
	ln.Port = listenPort
	ln.Config.RSAHostKeyPath = rsaKeyPath
	ln.Config.DSAHostKeyPath = dsaKeyPath

	if err := ln.Listen(); err != nil {
		return errors.Wrap(err, "listen")
	}
	defer ln.Close()

	log.Info("listening", zap.String("addr", listenAddr), zap.Int("port", listenPort))

	for {
		sess, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", zap.Error(err))
			continue
		}
		go serve(log, sess)
	}
}

func serve(log *zap.Logger, sess *sshcore.Session) {
	if err := sshcore.HandleKeyExchange(sess); err != nil {
		log.Warn("handshake failed", zap.Error(err), zap.String("last_error", sess.LastError()))
		return
	}
	log.Info("handshake complete", zap.Binary("session_id", sess.SessionID()))

	for sess.State() != sshcore.StateDisconnected && sess.State() != sshcore.StateError {
		if err := sess.ExecuteMessageCallbacks(); err != nil {
			log.Warn("message pump stopped", zap.Error(err))
			return
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, errors.Errorf("unknown log level %q", level)
	}
	return cfg.Build()
}
