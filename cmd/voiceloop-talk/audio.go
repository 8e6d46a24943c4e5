package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"github.com/hajimehoshi/go-mp3"
)

const (
	micSampleRate = 16000
	micChannels   = 1
)

// micSource captures microphone audio with malgo and delivers one chunk per
// interval. Frames whose peak amplitude stays under the speech floor are
// dropped before the chunk is assembled, so a quiet interval yields a small
// chunk and the byte-size silence heuristic downstream holds for raw PCM.
type micSource struct {
	malgoCtx *malgo.AllocatedContext
	interval time.Duration
	floor    int

	mu        sync.Mutex
	device    *malgo.Device
	collector *frameGate
	out       chan []byte
	stopTick  chan struct{}
}

func newMicSource(malgoCtx *malgo.AllocatedContext, interval time.Duration, speechFloor int) *micSource {
	return &micSource{
		malgoCtx: malgoCtx,
		interval: interval,
		floor:    speechFloor,
	}
}

func (m *micSource) Start() (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil, fmt.Errorf("microphone already started")
	}

	m.collector = newFrameGate(m.floor)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = micChannels
	deviceConfig.SampleRate = micSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	collector := m.collector
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, frame []byte, _ uint32) {
			collector.offer(frame)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}

	m.device = device
	m.out = make(chan []byte, 8)
	m.stopTick = make(chan struct{})
	go m.tick(collector, m.out, m.stopTick)
	return m.out, nil
}

// tick flushes the gate once per interval. An interval with no audible
// frames still emits its (small or empty) chunk so the silence cadence is
// observable downstream.
func (m *micSource) tick(collector *frameGate, out chan<- []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case out <- collector.flush():
			default:
				// Consumer stalled; this interval's audio is lost.
			}
		case <-stop:
			close(out)
			return
		}
	}
}

func (m *micSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return
	}
	_ = m.device.Stop()
	m.device.Uninit()
	m.device = nil
	close(m.stopTick)
}

// frameGate accumulates capture frames for one interval, keeping only the
// frames that clear the amplitude floor.
type frameGate struct {
	floor int

	mu      sync.Mutex
	audible []byte
}

func newFrameGate(floor int) *frameGate {
	return &frameGate{floor: floor}
}

func (g *frameGate) offer(frame []byte) {
	if pcm16Peak(frame) < g.floor {
		return
	}
	g.mu.Lock()
	g.audible = append(g.audible, frame...)
	g.mu.Unlock()
}

func (g *frameGate) flush() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	chunk := g.audible
	g.audible = nil
	if chunk == nil {
		chunk = []byte{}
	}
	return chunk
}

// pcm16Peak returns the largest absolute sample value of a little-endian
// 16-bit PCM frame.
func pcm16Peak(frame []byte) int {
	peak := 0
	for i := 0; i+1 < len(frame); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(frame[i : i+2])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// mp3Player renders a complete MP3 reply clip through the speaker. The oto
// context is created on first use and reused; oto allows one per process.
type mp3Player struct {
	mu     sync.Mutex
	otoCtx *oto.Context
}

func (p *mp3Player) Play(ctx context.Context, clip []byte) error {
	decoder, err := mp3.NewDecoder(bytes.NewReader(clip))
	if err != nil {
		return fmt.Errorf("decode reply clip: %w", err)
	}

	otoCtx, err := p.speakerContext(decoder.SampleRate())
	if err != nil {
		return err
	}

	player := otoCtx.NewPlayer(decoder)
	player.Play()
	defer player.Close()

	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

func (p *mp3Player) speakerContext(sampleRate int) (*oto.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.otoCtx != nil {
		return p.otoCtx, nil
	}

	// go-mp3 always decodes to 16-bit stereo.
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	p.otoCtx = otoCtx
	return otoCtx, nil
}
