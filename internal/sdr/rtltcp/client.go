package rtltcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/roman-kulish/burst-capture/internal/sdr"
	"github.com/roman-kulish/burst-capture/internal/sdr/driver"
)

const (
	Device         = "RTL-TCP"
	DefaultAddress = "127.0.0.1:1234"
)

var dongleMagic = [...]byte{'R', 'T', 'L', '0'}

var tunerNames = map[uint32]string{
	1: "E4000",
	2: "FC0012",
	3: "FC0013",
	4: "FC2580",
	5: "R820T",
	6: "R828D",
}

// DongleInfo is sent by the server right after the connection is accepted
type DongleInfo struct {
	Magic     [4]byte
	Tuner     uint32
	GainCount uint32
}

// Valid checks the received magic number matches 'RTL0'
func (d DongleInfo) Valid() bool {
	return d.Magic == dongleMagic
}

// TunerName returns a readable tuner type
func (d DongleInfo) TunerName() string {
	if name, ok := tunerNames[d.Tuner]; ok {
		return name
	}
	return "unknown"
}

// Command codes as defined in rtl_tcp.c
const (
	cmdCenterFreq = iota + 1
	cmdSampleRate
	cmdTunerGainMode
	cmdTunerGain
	cmdFreqCorrection
	cmdTunerIfGain
	cmdTestMode
	cmdAGCMode
	cmdDirectSampling
	cmdOffsetTuning
)

type command struct {
	Code      uint8
	Parameter uint32
}

// Config is the rtl_tcp client configuration
type Config struct {
	Address        string        `yaml:"address" json:"address"`               // host:port of the rtl_tcp server (default: 127.0.0.1:1234)
	DialTimeout    time.Duration `yaml:"-" json:"-"`                           // set from the application config
	Gain           *float64      `yaml:"gain" json:"gain"`                     // manual tuner gain in dB (default: automatic)
	AGC            bool          `yaml:"agc" json:"agc"`                       // RTL2832 digital AGC
	PPMError       int           `yaml:"ppmError" json:"ppmError"`             // frequency correction in ppm
	OffsetTuning   bool          `yaml:"offsetTuning" json:"offsetTuning"`     // E4000 offset tuning
	DirectSampling int           `yaml:"directSampling" json:"directSampling"` // 0 off, 1 I-ADC, 2 Q-ADC
}

func (c *Config) Validate() error {
	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return driver.NewConfigError("rtltcp.Config", "invalid address %q: %s", c.Address, err)
		}
	}
	if c.Gain != nil && (*c.Gain < 0 || *c.Gain > 50) {
		return driver.NewConfigError("rtltcp.Config", "gain must be between 0 and 50 dB: %.1f given", *c.Gain)
	}
	if c.DirectSampling < 0 || c.DirectSampling > 2 {
		return driver.NewConfigError("rtltcp.Config", "invalid direct sampling mode: %d", c.DirectSampling)
	}
	return nil
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) func(c *Client) {
	return func(c *Client) {
		c.logger = logger.With(slog.String("device", Device))
	}
}

// Client is a Source reading unsigned 8-bit I/Q from an rtl_tcp server
type Client struct {
	conn       net.Conn
	info       DongleInfo
	config     Config
	sampleRate float64
	logger     *slog.Logger

	buf   []byte
	carry int // bytes of a partial sample at the start of buf
	skip  int // bytes of a discarded partial sample still to come from the stream
}

// Dial connects to the rtl_tcp server, validates the dongle header and sets
// the sample rate
func Dial(ctx context.Context, config *Config, sampleRate float64, options ...func(c *Client)) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 || sampleRate > math.MaxUint32 {
		return nil, driver.NewConfigError("rtltcp.Config", "invalid sample rate: %.0f", sampleRate)
	}

	addr := config.Address
	if addr == "" {
		addr = DefaultAddress
	}

	dialer := net.Dialer{Timeout: config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to rtl_tcp server: %w", err)
	}

	c := Client{
		conn:       conn,
		config:     *config,
		sampleRate: sampleRate,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	if err = c.handshake(); err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	c.logger.Info("connected to rtl_tcp server",
		slog.String("address", addr),
		slog.String("tuner", c.info.TunerName()),
		slog.Int("gainCount", int(c.info.GainCount)))

	return &c, nil
}

func (c *Client) handshake() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("error setting read deadline: %w", err)
	}
	if err := binary.Read(c.conn, binary.BigEndian, &c.info); err != nil {
		return fmt.Errorf("error getting dongle information: %w", err)
	}
	if !c.info.Valid() {
		return fmt.Errorf("bad magic number: %q", c.info.Magic)
	}
	if err := c.do(cmdSampleRate, uint32(c.sampleRate)); err != nil {
		return fmt.Errorf("error setting sample rate: %w", err)
	}
	return nil
}

// Info returns the dongle information received on connect
func (c *Client) Info() DongleInfo {
	return c.info
}

func (c *Client) do(code uint8, v uint32) error {
	return binary.Write(c.conn, binary.BigEndian, command{code, v})
}

func boolParam(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Settings returns the front-end configuration calls for this client
func (c *Client) Settings() []sdr.Setting {
	settings := make([]sdr.Setting, 0, 5)

	if c.config.Gain != nil {
		tenths := uint32(math.Round(*c.config.Gain * 10))
		settings = append(settings,
			sdr.Setting{Name: "gain mode", Value: "manual", Apply: func(context.Context) error {
				return c.do(cmdTunerGainMode, 1)
			}},
			sdr.Setting{Name: "gain", Value: strconv.FormatFloat(*c.config.Gain, 'f', 1, 64), Apply: func(context.Context) error {
				return c.do(cmdTunerGain, tenths)
			}},
		)
	} else {
		settings = append(settings, sdr.Setting{Name: "gain mode", Value: "auto", Apply: func(context.Context) error {
			return c.do(cmdTunerGainMode, 0)
		}})
	}

	settings = append(settings,
		sdr.Setting{Name: "agc", Value: strconv.FormatBool(c.config.AGC), Apply: func(context.Context) error {
			return c.do(cmdAGCMode, boolParam(c.config.AGC))
		}},
		sdr.Setting{Name: "ppm", Value: strconv.Itoa(c.config.PPMError), Apply: func(context.Context) error {
			return c.do(cmdFreqCorrection, uint32(int32(c.config.PPMError)))
		}},
	)

	if c.config.OffsetTuning {
		settings = append(settings, sdr.Setting{Name: "offset tuning", Value: "true", Apply: func(context.Context) error {
			return c.do(cmdOffsetTuning, 1)
		}})
	}

	if c.config.DirectSampling != 0 {
		settings = append(settings, sdr.Setting{Name: "direct sampling", Value: strconv.Itoa(c.config.DirectSampling), Apply: func(context.Context) error {
			return c.do(cmdDirectSampling, uint32(c.config.DirectSampling))
		}})
	}

	return settings
}

func (c *Client) Retune(_ context.Context, freqHz int64) error {
	if freqHz <= 0 || freqHz > math.MaxUint32 {
		return fmt.Errorf("%w: frequency out of range: %d", sdr.ErrRetune, freqHz)
	}
	if err := c.do(cmdCenterFreq, uint32(freqHz)); err != nil {
		return fmt.Errorf("%w: %w", sdr.ErrRetune, err)
	}
	return nil
}

// Settle waits for d and discards the samples streamed in the meantime. The
// discarded span always ends on a sample boundary.
func (c *Client) Settle(ctx context.Context, d time.Duration) error {
	if err := sdr.Sleep(ctx, d); err != nil {
		return err
	}

	bps := c.Format().BytesPerSample()
	stale := int64(d.Seconds()*c.sampleRate) * int64(bps)
	if stale <= 0 {
		return nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(d + time.Second)); err != nil {
		return fmt.Errorf("%w: %w", sdr.ErrTransport, err)
	}

	// position within the current sample, counting the carried bytes
	offset := (c.carry - c.skip + bps) % bps

	n, err := io.CopyN(io.Discard, c.conn, stale-int64(offset))

	c.carry = 0
	c.skip = (bps - (offset+int(n%int64(bps)))%bps) % bps

	if err != nil && !isTimeout(err) {
		return fmt.Errorf("%w: %w", sdr.ErrTransport, err)
	}
	return nil
}

// ReadChunk reads whatever arrives within timeout, up to maxSamples
func (c *Client) ReadChunk(ctx context.Context, maxSamples int, timeout time.Duration) (sdr.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return sdr.Chunk{}, err
	}

	bps := c.Format().BytesPerSample()
	if size := maxSamples * bps; cap(c.buf) < size {
		buf := make([]byte, size)
		copy(buf, c.buf[:c.carry])
		c.buf = buf
	}
	c.buf = c.buf[:maxSamples*bps]

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return sdr.Chunk{}, fmt.Errorf("%w: %w", sdr.ErrTransport, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, err := c.conn.Read(c.buf[c.carry:])
	if c.skip > 0 && n > 0 {
		d := min(c.skip, n)
		copy(c.buf[c.carry:], c.buf[c.carry+d:c.carry+n])
		c.skip -= d
		n -= d
	}
	total := c.carry + n
	samples := total / bps

	var chunk sdr.Chunk
	if samples > 0 {
		data := make([]byte, samples*bps)
		copy(data, c.buf[:samples*bps])
		chunk = sdr.Chunk{Data: data, Samples: samples, Timestamp: time.Now()}
	}

	c.carry = copy(c.buf, c.buf[samples*bps:total])

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chunk, ctxErr
		}
		if isTimeout(err) {
			return chunk, nil
		}
		return chunk, fmt.Errorf("%w: %w", sdr.ErrTransport, err)
	}

	return chunk, nil
}

func (c *Client) Format() sdr.Format {
	return sdr.FormatCU8
}

func (c *Client) SampleRate() float64 {
	return c.sampleRate
}

func (c *Client) Device() string {
	return fmt.Sprintf("%s/%s", Device, c.info.TunerName())
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
