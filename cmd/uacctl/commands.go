package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softuac/pcm"
	"github.com/ardnew/softuac/pkg"
	"github.com/ardnew/softuac/uac"
)

// command runs one subcommand with its remaining arguments.
type command func(ctx context.Context, e *env, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"list":     cmdList,
		"info":     cmdInfo,
		"volume":   cmdVolume,
		"mute":     cmdMute,
		"rate":     cmdRate,
		"play":     cmdPlay,
		"record":   cmdRecord,
		"loopback": cmdLoopback,
	}
}

// =============================================================================
// Device Information
// =============================================================================

func cmdList(_ context.Context, e *env, _ []string) error {
	lines, err := listDevices()
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(e.out, l)
	}
	return nil
}

// channelInfo is the state of one channel as printed by info.
type channelInfo struct {
	SampleRate uint32  `yaml:"sample_rate"`
	Volume     float64 `yaml:"volume_db"`
	MinVolume  float64 `yaml:"min_volume_db"`
	MaxVolume  float64 `yaml:"max_volume_db"`
	Muted      bool    `yaml:"muted"`
}

func cmdInfo(ctx context.Context, e *env, _ []string) error {
	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	report := struct {
		Topology uac.Topology           `yaml:"topology"`
		Channels map[string]channelInfo `yaml:"channels"`
	}{
		Topology: d.Topology(),
		Channels: map[string]channelInfo{},
	}

	for _, ch := range []uac.Channel{uac.Output, uac.Input} {
		var ci channelInfo
		// Devices leave out controls they do not implement; show what
		// answers and log the rest.
		if rate, err := d.ChannelSampleRate(ctx, ch); err == nil {
			ci.SampleRate = rate
		} else {
			pkg.LogWarn(pkg.ComponentCLI, "sample rate unavailable", "channel", ch, "error", err)
		}
		if v, err := d.ChannelVolume(ctx, ch); err == nil {
			ci.Volume = toDB(v)
		}
		if v, err := d.ChannelMinVolume(ctx, ch); err == nil {
			ci.MinVolume = toDB(v)
		}
		if v, err := d.ChannelMaxVolume(ctx, ch); err == nil {
			ci.MaxVolume = toDB(v)
		}
		if m, err := d.ChannelMute(ctx, ch); err == nil {
			ci.Muted = m != 0
		}
		report.Channels[ch.String()] = ci
	}

	enc := yaml.NewEncoder(e.out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}

// =============================================================================
// Controls
// =============================================================================

func cmdVolume(ctx context.Context, e *env, args []string) error {
	ch, op, rest, err := channelOp(args, "get")
	if err != nil {
		return err
	}
	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	var v int16
	switch op {
	case "get":
		v, err = d.ChannelVolume(ctx, ch)
	case "min":
		v, err = d.ChannelMinVolume(ctx, ch)
	case "max":
		v, err = d.ChannelMaxVolume(ctx, ch)
	case "set":
		if len(rest) != 1 {
			return errors.New("volume set: want one value in dB")
		}
		if v, err = fromDB(rest[0]); err != nil {
			return err
		}
		if err = d.SetChannelVolume(ctx, ch, v); err == nil {
			v, err = d.ChannelVolume(ctx, ch)
		}
	default:
		return fmt.Errorf("volume: unknown operation %q", op)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s volume: %.2f dB\n", ch, toDB(v))
	return nil
}

func cmdMute(ctx context.Context, e *env, args []string) error {
	ch, op, _, err := channelOp(args, "get")
	if err != nil {
		return err
	}
	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	switch op {
	case "get":
	case "on", "off":
		if err := d.SetChannelMute(ctx, ch, op == "on"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("mute: unknown operation %q", op)
	}
	m, err := d.ChannelMute(ctx, ch)
	if err != nil {
		return err
	}
	state := "off"
	if m != 0 {
		state = "on"
	}
	fmt.Fprintf(e.out, "%s mute: %s\n", ch, state)
	return nil
}

func cmdRate(ctx context.Context, e *env, args []string) error {
	ch, op, rest, err := channelOp(args, "get")
	if err != nil {
		return err
	}
	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	var rate uint32
	switch op {
	case "get":
		rate, err = d.ChannelSampleRate(ctx, ch)
	case "set":
		if len(rest) != 1 {
			return errors.New("rate set: want one value in Hz")
		}
		v, perr := strconv.ParseUint(rest[0], 10, 32)
		if perr != nil {
			return pkg.Invalid("rate", rest[0], "not an integer")
		}
		if err = d.SetChannelSampleRate(ctx, ch, uint32(v)); err == nil {
			rate, err = d.ChannelSampleRate(ctx, ch)
		}
	case "probe":
		rate, err = d.ProbeSampleRate(ctx, ch)
	default:
		return fmt.Errorf("rate: unknown operation %q", op)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s sample rate: %d Hz\n", ch, rate)
	return nil
}

// channelOp splits "<out|in> [op] [args...]".
func channelOp(args []string, defaultOp string) (uac.Channel, string, []string, error) {
	if len(args) == 0 {
		return 0, "", nil, errors.New("missing channel (out or in)")
	}
	ch, err := parseChannel(args[0])
	if err != nil {
		return 0, "", nil, err
	}
	if len(args) == 1 {
		return ch, defaultOp, nil, nil
	}
	return ch, args[1], args[2:], nil
}

func parseChannel(s string) (uac.Channel, error) {
	switch s {
	case "out", "output", "playback":
		return uac.Output, nil
	case "in", "input", "capture":
		return uac.Input, nil
	}
	return 0, pkg.Invalid("channel", s, "want out or in")
}

// toDB converts a volume in 1/256 dB steps to dB.
func toDB(v int16) float64 {
	return float64(v) / 256
}

// fromDB parses a dB value into 1/256 dB steps.
func fromDB(s string) (int16, error) {
	db, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, pkg.Invalid("volume", s, "not a number")
	}
	steps := math.Round(db * 256)
	if steps < math.MinInt16 || steps > math.MaxInt16 {
		return 0, pkg.Invalid("volume", s, "outside -128 dB to +127.996 dB")
	}
	return int16(steps), nil
}

// =============================================================================
// Streaming
// =============================================================================

func cmdPlay(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	fs.SetOutput(e.out)
	wavPath := fs.String("wav", "", "WAV file to play")
	toneHz := fs.Float64("tone", 0, "Play a sine tone of this frequency")
	duration := fs.Duration("duration", 2*time.Second, "Tone duration")
	amplitude := fs.Float64("amplitude", 0.5, "Tone amplitude, 0 to 1")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*wavPath == "") == (*toneHz == 0) {
		return errors.New("play: want exactly one of -wav or -tone")
	}

	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	if err := d.PrepareOutput(); err != nil {
		return err
	}
	rate, err := d.ChannelSampleRate(ctx, uac.Output)
	if err != nil {
		return err
	}
	f := e.cfg.Output.Format
	f.SampleRate = int(rate)

	var data []byte
	if *wavPath != "" {
		file, err := os.Open(*wavPath)
		if err != nil {
			return err
		}
		data, _, err = pcm.ReadWAV(file, f)
		file.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", *wavPath, err)
		}
	} else {
		if data, err = pcm.Take(pcm.Tone(f.SampleRate, *toneHz, *amplitude), f, *duration); err != nil {
			return err
		}
	}

	pkg.LogInfo(pkg.ComponentCLI, "playing", "bytes", len(data), "duration", f.Duration(len(data)))
	start := time.Now()
	if err := d.PlayBuffer(ctx, data); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "played %d bytes (%s) in %s\n",
		len(data), f.Duration(len(data)), time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdRecord(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(e.out)
	outPath := fs.String("out", "", "WAV file to write")
	duration := fs.Duration("duration", 2*time.Second, "Recording length")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outPath == "" {
		return errors.New("record: -out is required")
	}

	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	if err := d.PrepareInput(); err != nil {
		return err
	}
	rate, err := d.ChannelSampleRate(ctx, uac.Input)
	if err != nil {
		return err
	}
	f := e.cfg.Input.Format
	f.SampleRate = int(rate)

	packetSize := e.cfg.Input.PacketSize
	if packetSize == 0 {
		if packetSize, err = uac.PacketSize(rate, f.BytesPerSample, f.Channels); err != nil {
			return err
		}
	}

	buf := make([]byte, int(duration.Milliseconds())*f.BytesPerMillisecond())
	n, err := d.RecordInto(ctx, buf, packetSize)
	if err != nil && n == 0 {
		return err
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "recording ended early", "bytes", n, "error", err)
	}

	file, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	if err := pcm.WriteWAV(file, buf[:n], f); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", *outPath, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "recorded %d bytes (%s) to %s\n", n, f.Duration(n), *outPath)
	return nil
}

func cmdLoopback(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("loopback", flag.ContinueOnError)
	fs.SetOutput(e.out)
	duration := fs.Duration("duration", 0, "Stop after this long; zero runs until interrupted")
	interval := fs.Duration("stats", time.Second, "Statistics logging interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return pkg.Invalid("stats", *interval, "must be positive")
	}
	if *duration < 0 {
		return pkg.Invalid("duration", *duration, "must not be negative")
	}

	d, closeDev, err := e.open()
	if err != nil {
		return err
	}
	defer closeDev()

	if err := d.PrepareInput(); err != nil {
		return err
	}
	if err := d.PrepareOutput(); err != nil {
		return err
	}
	in, out, err := d.LoopbackBindings(ctx)
	if err != nil {
		return err
	}

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	l, err := d.StartLoopback(ctx, in, out, e.cfg.Input.Channels)
	if err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentCLI, "loopback running", "session", l.ID(),
		"capture_packet", in.PacketSize, "playback_packet", out.PacketSize)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-l.Done():
			break wait
		case <-ctx.Done():
			break wait
		case <-ticker.C:
			s := l.Stats()
			pkg.LogInfo(pkg.ComponentCLI, "loopback",
				"captured", s.Captured, "played", s.Played,
				"dropped", s.Dropped, "starved", s.InputStarved, "peak", s.Peak)
		}
	}

	err = d.StopLoopback()
	if errors.Is(err, pkg.ErrNotRunning) {
		err = l.Err()
	}
	s := l.Stats()
	fmt.Fprintf(e.out, "loopback %s: captured %d frames, played %d frames, dropped %d transfers\n",
		l.ID(), s.Captured, s.Played, s.Dropped)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
