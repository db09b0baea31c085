package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Auth holds broker security settings.
type Auth struct {
	SASLMechanism string // "", PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string
	Password      string
	TLS           bool
	CAFile        string
}

func (a Auth) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(a.SASLMechanism) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: a.Username, Password: a.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, a.Username, a.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, a.Username, a.Password)
	}
	return nil, fmt.Errorf("unsupported sasl mechanism: %s", a.SASLMechanism)
}

func (a Auth) tlsConfig() (*tls.Config, error) {
	if !a.TLS {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if a.CAFile != "" {
		pem, err := os.ReadFile(a.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", a.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// Dialer builds a kafka.Dialer for readers.
func (a Auth) Dialer() (*kafka.Dialer, error) {
	mech, err := a.mechanism()
	if err != nil {
		return nil, err
	}
	tlsConf, err := a.tlsConfig()
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       8 * time.Second,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}

// Transport builds a kafka.Transport for writers.
func (a Auth) Transport(timeout time.Duration) (*kafka.Transport, error) {
	mech, err := a.mechanism()
	if err != nil {
		return nil, fmt.Errorf("sasl config: %w", err)
	}
	tlsConf, err := a.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	return &kafka.Transport{
		TLS:         tlsConf,
		SASL:        mech,
		DialTimeout: timeout,
	}, nil
}
