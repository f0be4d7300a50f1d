package echo

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"echorpc/client"
	"echorpc/codec"
	"echorpc/compress"
)

var ErrInvalidListenAddr = errors.New("invalid listen address")

// ChannelConfig is the client process configuration. It is built once at
// startup and only read afterwards.
type ChannelConfig struct {
	Server         string
	Protocol       string
	ConnectionType string
	LoadBalancer   string
	Timeout        time.Duration
	MaxRetry       int
	Interval       time.Duration
	Attachment     []byte
	Compress       string
}

func (c *ChannelConfig) Validate() error {
	if c.Server == "" {
		return errors.New("server must not be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxRetry < 0 {
		return fmt.Errorf("max retry must not be negative, got %d", c.MaxRetry)
	}
	return nil
}

// ChannelOptions converts the configuration into client options. Whether
// the server and the load balancer fit together is checked by
// client.NewChannel.
func (c *ChannelConfig) ChannelOptions(lg *zap.SugaredLogger) (client.Options, error) {
	if err := c.Validate(); err != nil {
		return client.Options{}, err
	}
	ct, err := codec.ParseCodecType(c.Protocol)
	if err != nil {
		return client.Options{}, err
	}
	cmp, err := compress.Parse(c.Compress)
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		Target:         c.Server,
		LoadBalancer:   c.LoadBalancer,
		Codec:          ct,
		Compress:       cmp.Code(),
		ConnectionType: c.ConnectionType,
		Timeout:        c.Timeout,
		MaxRetry:       c.MaxRetry,
		Logger:         lg,
	}, nil
}

// ListenConfig is the server process configuration.
type ListenConfig struct {
	Port           int
	ListenAddr     string // Overrides Port when set
	EchoAttachment bool
	IdleTimeout    time.Duration // <= 0 never closes idle connections
	Logoff         time.Duration // Grace period for in-flight calls on shutdown
	MaxQPS         int           // 0 is unlimited
	HandlerTimeout time.Duration // <= 0 lets handlers run unbounded
	MetricsAddr    string
	EtcdEndpoints  []string
	AdvertiseAddr  string
}

func (c *ListenConfig) Validate() error {
	if c.Logoff < 0 {
		return fmt.Errorf("logoff must not be negative, got %s", c.Logoff)
	}
	if c.MaxQPS < 0 {
		return fmt.Errorf("max qps must not be negative, got %d", c.MaxQPS)
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handler timeout must not be negative, got %s", c.HandlerTimeout)
	}
	if len(c.EtcdEndpoints) > 0 && c.AdvertiseAddr == "" {
		return errors.New("etcd registration needs an advertise address")
	}
	_, err := c.Address()
	return err
}

// Address returns the address to listen on. An explicit listen address
// must be "ip:port", "localhost:port" or ":port".
func (c *ListenConfig) Address() (string, error) {
	if c.ListenAddr == "" {
		if c.Port < 0 || c.Port > 65535 {
			return "", fmt.Errorf("%w: port %d", ErrInvalidListenAddr, c.Port)
		}
		return net.JoinHostPort("", strconv.Itoa(c.Port)), nil
	}

	host, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidListenAddr, err)
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return "", fmt.Errorf("%w: bad host %q", ErrInvalidListenAddr, host)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return "", fmt.Errorf("%w: bad port %q", ErrInvalidListenAddr, port)
	}
	return c.ListenAddr, nil
}
