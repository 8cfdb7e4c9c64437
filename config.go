package interconnect

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// FlowControl selects the admission policy for outbound packets.
type FlowControl string

const (
	// FlowCapacity gives every connection a fixed credit granted back by the receiver.
	FlowCapacity FlowControl = "capacity"
	// FlowLoss shares one congestion window across all connections of a query.
	FlowLoss FlowControl = "loss"
)

func (f FlowControl) valid() bool { return f == FlowCapacity || f == FlowLoss }

// Duration is a time.Duration read from TOML strings such as "20ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config controls a Service and every transport set up on it
type Config struct {
	ListenAddress  string      `toml:"listen-address"`   // local address for both sockets, port 0 picks one
	MaxPacketSize  int         `toml:"max-packet-size"`  // upper bound of one datagram, header included
	QueueDepth     int         `toml:"queue-depth"`      // receive queue slots per connection, also the initial credit
	SendQueueDepth int         `toml:"send-queue-depth"` // extra send buffers per connection beyond QueueDepth
	InitialCredit  int         `toml:"initial-credit"`   // 0 means QueueDepth
	FlowControl    FlowControl `toml:"flow-control"`

	TimerGranularity Duration `toml:"timer-granularity"` // time wheel slot span
	WheelSlots       int      `toml:"wheel-slots"`
	MinExpiration    Duration `toml:"min-expiration"`
	MaxExpiration    Duration `toml:"max-expiration"`
	TransmitTimeout  Duration `toml:"transmit-timeout"`

	DeadlockCheckPeriod Duration `toml:"deadlock-check-period"`
	StatusQueryInterval Duration `toml:"status-query-interval"`

	WaitTimeout            Duration `toml:"wait-timeout"`
	RxPollTimeout          Duration `toml:"rx-poll-timeout"`
	AckPollTimeout         Duration `toml:"ack-timeout-poll"`
	ExceptionCheckInterval int      `toml:"exception-check-interval"`
	LivenessCheckPeriod    Duration `toml:"liveness-check-period"`
	RetryWarnThreshold     int      `toml:"retry-warn-threshold"`

	FullCRC               bool `toml:"full-crc"`
	RxBufferMax           int  `toml:"rx-buffer-max"` // 0 derives the bound from registered connections
	StartupCacheLimit     int  `toml:"startup-cache-limit"`
	HistoryPruneThreshold int  `toml:"history-prune-threshold"`

	InitialCwnd      float64 `toml:"initial-cwnd"`
	MinCwnd          float64 `toml:"min-cwnd"`
	MaxCwnd          float64 `toml:"max-cwnd"`
	DisorderDebounce int     `toml:"disorder-debounce"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:          "127.0.0.1:0",
		MaxPacketSize:          8192,
		QueueDepth:             4,
		SendQueueDepth:         2,
		FlowControl:            FlowCapacity,
		TimerGranularity:       Duration(5 * time.Millisecond),
		WheelSlots:             256,
		MinExpiration:          Duration(20 * time.Millisecond),
		MaxExpiration:          Duration(time.Second),
		TransmitTimeout:        Duration(60 * time.Second),
		DeadlockCheckPeriod:    Duration(2 * time.Second),
		StatusQueryInterval:    Duration(500 * time.Millisecond),
		WaitTimeout:            Duration(250 * time.Millisecond),
		RxPollTimeout:          Duration(250 * time.Millisecond),
		AckPollTimeout:         Duration(5 * time.Millisecond),
		ExceptionCheckInterval: 4,
		LivenessCheckPeriod:    Duration(time.Second),
		RetryWarnThreshold:     10,
		StartupCacheLimit:      64,
		HistoryPruneThreshold:  64,
		InitialCwnd:            4,
		MinCwnd:                1,
		MaxCwnd:                256,
		DisorderDebounce:       2,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	bad := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.MaxPacketSize < HeaderSize+ChunkHeaderSize+1 {
		bad("max-packet-size %d leaves no room for chunk data", c.MaxPacketSize)
	}
	if c.MaxPacketSize > 65507 {
		bad("max-packet-size %d exceeds a UDP datagram", c.MaxPacketSize)
	}
	if c.QueueDepth < 1 {
		bad("queue-depth must be positive, got %d", c.QueueDepth)
	}
	if c.SendQueueDepth < 0 {
		bad("send-queue-depth must not be negative, got %d", c.SendQueueDepth)
	}
	if c.InitialCredit < 0 || c.InitialCredit > c.QueueDepth {
		bad("initial-credit %d outside [0, queue-depth]", c.InitialCredit)
	}
	if !c.FlowControl.valid() {
		bad("flow-control must be %q or %q, got %q", FlowCapacity, FlowLoss, c.FlowControl)
	}
	if c.TimerGranularity <= 0 {
		bad("timer-granularity must be positive")
	}
	if c.WheelSlots < 2 {
		bad("wheel-slots must be at least 2, got %d", c.WheelSlots)
	}
	if c.MinExpiration <= 0 || c.MaxExpiration < c.MinExpiration {
		bad("expiration range [%v, %v] is empty", c.MinExpiration.D(), c.MaxExpiration.D())
	}
	if c.TransmitTimeout <= 0 {
		bad("transmit-timeout must be positive")
	}
	if c.WaitTimeout <= 0 || c.RxPollTimeout <= 0 {
		bad("wait-timeout and rx-poll-timeout must be positive")
	}
	if c.ExceptionCheckInterval < 1 {
		bad("exception-check-interval must be positive, got %d", c.ExceptionCheckInterval)
	}
	if c.RxBufferMax < 0 || c.StartupCacheLimit < 0 {
		bad("rx-buffer-max and startup-cache-limit must not be negative")
	}
	if c.HistoryPruneThreshold < 1 {
		bad("history-prune-threshold must be positive, got %d", c.HistoryPruneThreshold)
	}
	if c.MinCwnd < 1 || c.InitialCwnd < c.MinCwnd || c.MaxCwnd < c.InitialCwnd {
		bad("congestion window bounds must satisfy 1 <= min-cwnd <= initial-cwnd <= max-cwnd")
	}
	if c.DisorderDebounce < 1 {
		bad("disorder-debounce must be positive, got %d", c.DisorderDebounce)
	}
	return result.ErrorOrNil()
}

// initialCredit is the per-connection credit granted before any ack.
func (c *Config) initialCredit() int {
	if c.InitialCredit == 0 {
		return c.QueueDepth
	}
	return c.InitialCredit
}

// sendQuota bounds the send buffers one connection may hold.
func (c *Config) sendQuota() int { return c.QueueDepth + c.SendQueueDepth }

// maxChunkData is the largest chunk data that fits in one packet.
func (c *Config) maxChunkData() int {
	n := c.MaxPacketSize - HeaderSize - ChunkHeaderSize
	if n > maxChunkLen {
		n = maxChunkLen
	}
	return n
}
