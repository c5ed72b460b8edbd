package bus

import (
	"errors"
	"time"

	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/infra/tlsenv"
	"github.com/nats-io/nats.go"
)

const (
	component = "bus"
	tlsPrefix = "NATS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NatsBus is a thin wrapper over a NATS connection.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL. TLS settings come from NATS_TLS_* variables.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("stagehand"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn(component, "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(component, "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info(component, "nats connection closed")
		}),
	}
	tlsCfg, err := tlsenv.Load(tlsPrefix, nil)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}
