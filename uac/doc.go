// Package uac implements the USB Audio Class host side: control requests
// for volume, mute and sampling frequency, bulk playback and capture over
// isochronous endpoints, and a capture to playback loopback pipeline.
//
// # Opening a Device
//
// A [Device] wraps any [hal.Transport]. Open claims the audio control
// interface and both streaming interfaces; PrepareOutput and PrepareInput
// select the streaming alternate settings:
//
//	dev, err := uac.Open(transport)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//	dev.PrepareOutput()
//	dev.PrepareInput()
//
// The interface, unit and endpoint numbers come from a [Topology]. The
// default matches the reference two-channel device; [DiscoverTopology]
// derives one from a configuration descriptor.
//
// # Controls
//
// Volume is a signed 16-bit value in 1/256 dB steps. Sampling frequency is
// a 24-bit value in Hz addressed to the streaming endpoint:
//
//	dev.SetChannelVolume(ctx, uac.Output, -10*256)
//	rate, err := dev.ChannelSampleRate(ctx, uac.Input)
//
// # Streaming
//
// PlayBuffer and RecordInto block until the whole buffer has moved. Each
// runs its own dispatch engine for the duration of the call. Sample rates
// that are not a multiple of 1000 Hz are rejected with a
// [pkg.ConfigurationError] before any transfer is submitted.
//
// # Loopback
//
// StartLoopback runs capture and playback on one dispatch goroutine. Each
// completed capture transfer is converted with [pcm.Convert] and sent to the
// output endpoint. If no output slot is free the capture is dropped and
// counted; the pipeline never waits for playback.
//
//	in, out, err := dev.LoopbackBindings(ctx)
//	l, err := dev.StartLoopback(ctx, in, out, 1)
//	...
//	err = dev.StopLoopback()
//	fmt.Println(l.Stats().Dropped)
package uac
