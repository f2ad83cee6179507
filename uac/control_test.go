package uac

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softuac/hal"
	"github.com/ardnew/softuac/hal/sim"
	"github.com/ardnew/softuac/pkg"
)

// referenceDevice returns a simulated device with the registers of the
// reference topology.
func referenceDevice(opts ...sim.Option) *sim.Device {
	base := []sim.Option{
		sim.WithPacketInterval(0),
		sim.WithVolume(0x02, 0x00, 0, -0x7F00, 0),
		sim.WithVolume(0x06, 0x00, 0x0100, -0x1000, 0x1000),
		sim.WithMute(0x02, 0x00, false),
		sim.WithMute(0x06, 0x00, true),
		sim.WithSampleRate(0x01, 48000, 32000, 48000, 96000),
		sim.WithSampleRate(0x82, 48000, 48000),
	}
	return sim.New(append(base, opts...)...)
}

func lastRequest(t *testing.T, dev *sim.Device) sim.Request {
	t.Helper()
	reqs := dev.Requests()
	if len(reqs) == 0 {
		t.Fatal("no control requests recorded")
	}
	return reqs[len(reqs)-1]
}

// =============================================================================
// Volume Tests
// =============================================================================

func TestController_SetVolumeEncoding(t *testing.T) {
	dev := referenceDevice()
	c := NewController(dev, DefaultTopology(), 0)

	if err := c.SetVolume(context.Background(), Output, -10); err != nil {
		t.Fatal(err)
	}

	req := lastRequest(t, dev)
	want := hal.SetupPacket{
		RequestType: 0x21,
		Request:     0x01,
		Value:       0x0200,
		Index:       0x0200,
		Length:      2,
	}
	if req.Setup != want {
		t.Errorf("setup = %+v, want %+v", req.Setup, want)
	}
	if !bytes.Equal(req.Data, []byte{0xF6, 0xFF}) {
		t.Errorf("payload = % X, want F6 FF", req.Data)
	}
}

func TestController_VolumeQueries(t *testing.T) {
	dev := referenceDevice()
	c := NewController(dev, DefaultTopology(), 0)
	ctx := context.Background()

	tests := []struct {
		name    string
		get     func(context.Context, Channel) (int16, error)
		ch      Channel
		request uint8
		want    int16
	}{
		{"output cur", c.Volume, Output, 0x81, 0},
		{"output min", c.MinVolume, Output, 0x82, -0x7F00},
		{"output max", c.MaxVolume, Output, 0x83, 0},
		{"input cur", c.Volume, Input, 0x81, 0x0100},
		{"input min", c.MinVolume, Input, 0x82, -0x1000},
		{"input max", c.MaxVolume, Input, 0x83, 0x1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.get(ctx, tt.ch)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
			req := lastRequest(t, dev)
			if req.Setup.RequestType != 0xA1 || req.Setup.Request != tt.request {
				t.Errorf("request = 0x%02X/0x%02X", req.Setup.RequestType, req.Setup.Request)
			}
		})
	}
}

func TestController_SetVolumeRange(t *testing.T) {
	dev := referenceDevice()
	c := NewController(dev, DefaultTopology(), 0)
	ctx := context.Background()

	if err := c.SetMinVolume(ctx, Input, -0x0800); err != nil {
		t.Fatal(err)
	}
	if req := lastRequest(t, dev); req.Setup.Request != RequestSetMin || req.Setup.Index != 0x0600 {
		t.Errorf("SET_MIN setup = %+v", req.Setup)
	}
	if err := c.SetMaxVolume(ctx, Input, 0x0800); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.MinVolume(ctx, Input); got != -0x0800 {
		t.Errorf("MinVolume = %d", got)
	}
	if got, _ := c.MaxVolume(ctx, Input); got != 0x0800 {
		t.Errorf("MaxVolume = %d", got)
	}
}

// =============================================================================
// Mute Tests
// =============================================================================

func TestController_Mute(t *testing.T) {
	dev := referenceDevice()
	c := NewController(dev, DefaultTopology(), 0)
	ctx := context.Background()

	if m, err := c.Mute(ctx, Input); err != nil || m != 1 {
		t.Fatalf("Mute(Input) = %d, %v", m, err)
	}
	if req := lastRequest(t, dev); req.Setup.Value != 0x0100 || req.Setup.Length != 1 {
		t.Errorf("GET mute setup = %+v", req.Setup)
	}

	if err := c.SetMute(ctx, Output, true); err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Mute(ctx, Output); m != 1 {
		t.Errorf("Mute(Output) after SetMute = %d", m)
	}
	if err := c.SetMute(ctx, Output, false); err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Mute(ctx, Output); m != 0 {
		t.Errorf("Mute(Output) after unmute = %d", m)
	}
}

// =============================================================================
// Sample Rate Tests
// =============================================================================

func TestController_SampleRateDecoding(t *testing.T) {
	dev := sim.New(sim.WithControl(0x0100, 0x0082, 0x01, []byte{0x80, 0xBB, 0x00}))
	c := NewController(dev, DefaultTopology(), 0)

	rate, err := c.SampleRate(context.Background(), Input)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", rate)
	}
	req := lastRequest(t, dev)
	want := hal.SetupPacket{RequestType: 0xA2, Request: 0x81, Value: 0x0100, Index: 0x82, Length: 3}
	if req.Setup != want {
		t.Errorf("setup = %+v, want %+v", req.Setup, want)
	}
}

func TestController_SetSampleRateEncoding(t *testing.T) {
	dev := referenceDevice()
	c := NewController(dev, DefaultTopology(), 0)

	if err := c.SetSampleRate(context.Background(), Output, 96000); err != nil {
		t.Fatal(err)
	}
	req := lastRequest(t, dev)
	want := hal.SetupPacket{RequestType: 0x22, Request: 0x01, Value: 0x0100, Index: 0x01, Length: 3}
	if req.Setup != want {
		t.Errorf("setup = %+v, want %+v", req.Setup, want)
	}
	if !bytes.Equal(req.Data, []byte{0x00, 0x77, 0x01}) {
		t.Errorf("payload = % X, want 00 77 01", req.Data)
	}

	if err := c.SetSampleRate(context.Background(), Output, 1<<24); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetSampleRate(2^24) = %v", err)
	}
}

func TestController_ProbeSampleRate(t *testing.T) {
	tests := []struct {
		name       string
		ch         Channel
		candidates []uint32
		want       uint32
		wantErr    error
	}{
		{"default candidates", Output, nil, 32000, nil},
		{"preferred order", Output, []uint32{44100, 96000, 48000}, 96000, nil},
		{"input only 48k", Input, nil, 48000, nil},
		{"none accepted", Input, []uint32{44100, 88200}, 0, pkg.ErrNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(referenceDevice(), DefaultTopology(), 0)
			got, err := c.ProbeSampleRate(context.Background(), tt.ch, tt.candidates...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("rate = %d, want %d", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Error Tests
// =============================================================================

func TestController_TransportErrors(t *testing.T) {
	dev := referenceDevice()
	c := NewController(dev, DefaultTopology(), 0)
	ctx := context.Background()

	dev.FailNextControl(pkg.ErrTimeout)
	_, err := c.Volume(ctx, Output)
	var te *pkg.TransportError
	if !errors.As(err, &te) || !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Volume() = %v, want TransportError wrapping ErrTimeout", err)
	}

	// Unknown registers stall.
	c = NewController(sim.New(), DefaultTopology(), 0)
	if _, err := c.SampleRate(ctx, Output); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SampleRate() on bare device = %v, want ErrStall", err)
	}

	if _, err := c.Volume(ctx, Channel(7)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Volume(bad channel) = %v", err)
	}
}

func TestChannel_String(t *testing.T) {
	if Output.String() != "output" || Input.String() != "input" || Channel(9).String() != "channel(9)" {
		t.Error("unexpected channel names")
	}
}
