// Package logship publishes structured log entries to NATS so CLI and
// bot runs can be observed centrally.
package logship

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zapcore"
)

// Config holds NATS connection configuration.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
	// Subject is the publish prefix; the level is appended
	// (e.g. logs.teamchat.info).
	Subject string
	// Level is the minimum level shipped.
	Level zapcore.Level
}

// Shipper owns the NATS connection and exposes a zapcore.Core that
// publishes every enabled entry.
type Shipper struct {
	conn *nats.Conn
	cfg  Config
	enc  zapcore.Encoder
}

// Connect establishes the NATS connection.
func Connect(cfg Config) (*Shipper, error) {
	if cfg.Subject == "" {
		cfg.Subject = "logs.teamchat"
	}

	opts := []nats.Option{
		nats.Name("teamchat-logship"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
	}
	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	return &Shipper{
		conn: nc,
		cfg:  cfg,
		enc:  zapcore.NewJSONEncoder(encCfg),
	}, nil
}

// Core returns the zapcore.Core to tee into a logger.
func (s *Shipper) Core() zapcore.Core {
	return &core{shipper: s}
}

// Close flushes pending publishes and closes the connection.
func (s *Shipper) Close() {
	if s.conn != nil {
		s.conn.Flush()
		s.conn.Close()
	}
}

type core struct {
	shipper *Shipper
	fields  []zapcore.Field
}

func (c *core) Enabled(level zapcore.Level) bool {
	return level >= c.shipper.cfg.Level
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := &core{shipper: c.shipper}
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return clone
}

func (c *core) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *core) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.shipper.enc.EncodeEntry(entry, append(append([]zapcore.Field{}, c.fields...), fields...))
	if err != nil {
		return err
	}
	defer buf.Free()
	subject := c.shipper.cfg.Subject + "." + entry.Level.String()
	// Best-effort: a full reconnect buffer should not break the app's
	// own logging path.
	return c.shipper.conn.Publish(subject, buf.Bytes())
}

func (c *core) Sync() error {
	return c.shipper.conn.Flush()
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}
	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
