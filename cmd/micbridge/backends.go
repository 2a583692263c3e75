package main

import (
	"log/slog"

	"github.com/MrWong99/micbridge/internal/config"
	"github.com/MrWong99/micbridge/internal/receiver"
	"github.com/MrWong99/micbridge/pkg/audio"
	"github.com/MrWong99/micbridge/pkg/audio/ffmpeg"
	"github.com/MrWong99/micbridge/pkg/audio/tone"
)

// registerBuiltins wires the capture backends and sinks that ship with
// micbridge into reg.
//
// Options:
//
//	capture ffmpeg: command, input_format, input_device, buffer (duration)
//	capture tone:   frequency, amplitude
//	sink ffmpeg:    command, output_format, output_device
//	sink file:      path
func registerBuiltins(reg *config.Registry) {
	reg.RegisterSource("ffmpeg", func(e config.ProviderEntry) (audio.Source, error) {
		return &ffmpeg.Source{
			Command:        e.OptString("command"),
			InputFormat:    e.OptString("input_format"),
			InputDevice:    e.OptString("input_device"),
			BufferDuration: e.OptDuration("buffer"),
		}, nil
	})
	reg.RegisterSource("tone", func(e config.ProviderEntry) (audio.Source, error) {
		return &tone.Source{
			Frequency: e.OptFloat("frequency"),
			Amplitude: e.OptFloat("amplitude"),
		}, nil
	})

	reg.RegisterSink("ffmpeg", func(e config.ProviderEntry) (audio.Sink, error) {
		return &ffmpeg.Sink{
			Command:      e.OptString("command"),
			OutputFormat: e.OptString("output_format"),
			OutputDevice: e.OptString("output_device"),
		}, nil
	})
	reg.RegisterSink("file", func(e config.ProviderEntry) (audio.Sink, error) {
		return receiver.File{Path: e.OptString("path")}, nil
	})
	reg.RegisterSink("discard", func(config.ProviderEntry) (audio.Sink, error) {
		return receiver.Discard{}, nil
	})

	sources, sinks := reg.Names()
	slog.Debug("registered backends", "capture", sources, "sink", sinks)
}
