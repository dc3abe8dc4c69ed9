package rtltcp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/roman-kulish/burst-capture/internal/sdr"
)

// fakeServer emulates rtl_tcp: sends the dongle header, records commands and
// streams whatever is written to samples
type fakeServer struct {
	listener net.Listener
	commands chan command
	samples  chan []byte
}

func newFakeServer(t *testing.T, magic [4]byte) *fakeServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	s := &fakeServer{
		listener: l,
		commands: make(chan command, 32),
		samples:  make(chan []byte, 8),
	}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_ = binary.Write(conn, binary.BigEndian, DongleInfo{Magic: magic, Tuner: 5, GainCount: 29})

		go func() {
			for {
				var cmd command
				if err := binary.Read(conn, binary.BigEndian, &cmd); err != nil {
					close(s.commands)
					return
				}
				s.commands <- cmd
			}
		}()

		for data := range s.samples {
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { _ = l.Close() })

	return s
}

func (s *fakeServer) expect(t *testing.T, code uint8, param uint32) {
	t.Helper()

	select {
	case cmd := <-s.commands:
		if cmd.Code != code || cmd.Parameter != param {
			t.Fatalf("Expected command %d(%d), got %d(%d)", code, param, cmd.Code, cmd.Parameter)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for command %d", code)
	}
}

func TestClient_Session(t *testing.T) {
	srv := newFakeServer(t, dongleMagic)
	gain := 40.2

	c, err := Dial(context.Background(), &Config{Address: srv.listener.Addr().String(), Gain: &gain}, 2_400_000)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if c.Info().TunerName() != "R820T" {
		t.Errorf("Expected R820T tuner, got %s", c.Info().TunerName())
	}
	if c.Device() != "RTL-TCP/R820T" {
		t.Errorf("Unexpected device name: %s", c.Device())
	}

	srv.expect(t, cmdSampleRate, 2_400_000)

	for _, s := range c.Settings() {
		if err = s.Apply(context.Background()); err != nil {
			t.Fatalf("Setting %s failed: %v", s.Name, err)
		}
	}
	srv.expect(t, cmdTunerGainMode, 1)
	srv.expect(t, cmdTunerGain, 402)
	srv.expect(t, cmdAGCMode, 0)
	srv.expect(t, cmdFreqCorrection, 0)

	if err = c.Retune(context.Background(), 868_100_000); err != nil {
		t.Fatalf("Retune failed: %v", err)
	}
	srv.expect(t, cmdCenterFreq, 868_100_000)

	// a partial sample is carried into the next read
	srv.samples <- []byte{1, 2, 3}

	chunk, err := c.ReadChunk(context.Background(), 16, time.Second)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if chunk.Samples != 1 || len(chunk.Data) != 2 {
		t.Fatalf("Expected 1 sample, got %d (%d bytes)", chunk.Samples, len(chunk.Data))
	}

	srv.samples <- []byte{4}

	chunk, err = c.ReadChunk(context.Background(), 16, time.Second)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if chunk.Samples != 1 || chunk.Data[0] != 3 || chunk.Data[1] != 4 {
		t.Fatalf("Expected carried sample [3 4], got %v", chunk.Data)
	}

	// nothing arrives: empty chunk, no error
	chunk, err = c.ReadChunk(context.Background(), 16, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Unexpected error on timeout: %v", err)
	}
	if !chunk.IsEmpty() {
		t.Errorf("Expected empty chunk on timeout, got %d samples", chunk.Samples)
	}

	// server goes away: transport failure
	close(srv.samples)

	_, err = c.ReadChunk(context.Background(), 16, time.Second)
	if !errors.Is(err, sdr.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF cause, got %v", err)
	}
}

func TestClient_SettleKeepsSampleAlignment(t *testing.T) {
	testCases := []struct {
		name   string
		before []byte // streamed before Settle, after the carried byte 3
		after  []byte // streamed after Settle
		want   []byte
	}{
		{
			// 2 stale samples: the rest of (3 4), then (5 6)
			name:   "whole span",
			before: []byte{4, 5, 6, 7, 8, 9, 10},
			want:   []byte{7, 8, 9, 10},
		},
		{
			// the deadline cuts the discard in the middle of (5 6)
			name:   "short span",
			before: []byte{4, 5},
			after:  []byte{6, 7, 8},
			want:   []byte{7, 8},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFakeServer(t, dongleMagic)
			defer close(srv.samples)

			c, err := Dial(context.Background(), &Config{Address: srv.listener.Addr().String()}, 2000)
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			defer c.Close()

			srv.samples <- []byte{1, 2, 3}

			chunk, err := c.ReadChunk(context.Background(), 16, time.Second)
			if err != nil {
				t.Fatalf("ReadChunk failed: %v", err)
			}
			if chunk.Samples != 1 {
				t.Fatalf("Expected 1 sample, got %d", chunk.Samples)
			}

			srv.samples <- tc.before

			if err = c.Settle(context.Background(), time.Millisecond); err != nil {
				t.Fatalf("Settle failed: %v", err)
			}

			if tc.after != nil {
				srv.samples <- tc.after
			}

			chunk, err = c.ReadChunk(context.Background(), 16, time.Second)
			if err != nil {
				t.Fatalf("ReadChunk failed: %v", err)
			}
			if string(chunk.Data) != string(tc.want) {
				t.Errorf("Expected %v after settle, got %v", tc.want, chunk.Data)
			}
		})
	}
}

func TestClient_BadMagic(t *testing.T) {
	srv := newFakeServer(t, [4]byte{'N', 'O', 'P', 'E'})
	defer close(srv.samples)

	_, err := Dial(context.Background(), &Config{Address: srv.listener.Addr().String()}, 2_400_000)
	if err == nil {
		t.Fatal("Expected error for bad magic")
	}
}

func TestClient_RetuneOutOfRange(t *testing.T) {
	srv := newFakeServer(t, dongleMagic)
	defer close(srv.samples)

	c, err := Dial(context.Background(), &Config{Address: srv.listener.Addr().String()}, 2_400_000)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if err = c.Retune(context.Background(), 5_000_000_000); !errors.Is(err, sdr.ErrRetune) {
		t.Errorf("Expected ErrRetune, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	gain := 99.0

	for _, config := range []Config{
		{Address: "no-port"},
		{Gain: &gain},
		{DirectSampling: 5},
	} {
		if err := config.Validate(); err == nil {
			t.Errorf("Expected validation error for %+v", config)
		}
	}
}
