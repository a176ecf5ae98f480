//go:build !linux

package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

const sinkBufferMillis = 500

type malgoOutput struct {
	ctx *malgo.AllocatedContext
}

// NewOutput initialises a miniaudio context on the platform default backend.
func NewOutput() (Output, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoOutput{ctx: ctx}, nil
}

func (m *malgoOutput) NewSink(format Format) (Sink, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	buf := newPCMBuffer(format, sinkBufferMillis)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = format.Channels
	deviceConfig.SampleRate = format.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			buf.Read(out)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo playback start: %w", err)
	}
	return &malgoSink{device: dev, buf: buf}, nil
}

func (m *malgoOutput) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type malgoSink struct {
	device *malgo.Device
	buf    *pcmBuffer
	once   sync.Once
}

func (s *malgoSink) Write(pcm []byte) (int, error) {
	return s.buf.Write(pcm)
}

func (s *malgoSink) Close() error {
	s.once.Do(func() {
		_ = s.device.Stop()
		s.device.Uninit()
	})
	return nil
}
