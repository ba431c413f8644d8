// Package pcm converts between floating-point audio samples and the
// base64-wrapped little-endian 16-bit PCM representation used on the wire.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/vox-go/vox-lite/pkg/core"
)

const (
	// CaptureSampleRateHz is the outbound (microphone) sample rate.
	CaptureSampleRateHz = 16000
	// PlaybackSampleRateHz is the inbound (synthesized audio) sample rate.
	PlaybackSampleRateHz = 24000

	bytesPerSample = 2
)

// Frame is one fixed-size chunk of audio samples, either captured for the
// outbound direction or reconstructed from an inbound payload.
type Frame struct {
	Samples      []float32
	SampleRateHz int
	Channels     int
}

// Duration returns the playback length of the frame.
func (f *Frame) Duration() time.Duration {
	if f == nil || f.SampleRateHz <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := len(f.Samples) / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRateHz)
}

// EncodeOutbound quantizes samples in [-1.0, 1.0] to little-endian signed
// 16-bit PCM and base64-encodes the result for the outbound message
// envelope. Values outside the range are clamped, never wrapped.
func EncodeOutbound(samples []float32) string {
	return base64.StdEncoding.EncodeToString(SamplesToBytes(samples))
}

// DecodeInbound reverses the base64 transform only, yielding raw
// little-endian 16-bit PCM bytes.
func DecodeInbound(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, core.NewMalformedAudioError(fmt.Sprintf("decode audio payload: %v", err))
	}
	return data, nil
}

// Reconstruct reinterprets raw little-endian 16-bit PCM bytes as normalized
// floating-point samples packaged as a playback-ready frame.
func Reconstruct(data []byte, sampleRateHz, channels int) (*Frame, error) {
	if sampleRateHz <= 0 {
		return nil, core.NewInvalidRequestError("sample rate must be positive")
	}
	if channels <= 0 {
		return nil, core.NewInvalidRequestError("channel count must be positive")
	}
	if len(data)%bytesPerSample != 0 {
		return nil, core.NewMalformedAudioError(fmt.Sprintf("pcm byte length %d is not a multiple of %d", len(data), bytesPerSample))
	}
	return &Frame{
		Samples:      BytesToSamples(data),
		SampleRateHz: sampleRateHz,
		Channels:     channels,
	}, nil
}

// SamplesToBytes serializes samples as little-endian signed 16-bit PCM.
// Quantization is round(sample * 32768) clamped to the 16-bit range, so the
// decode side recovers each sample within 1/32768.
func SamplesToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		q := math.Round(float64(s) * 32768)
		if q > math.MaxInt16 {
			q = math.MaxInt16
		} else if q < math.MinInt16 {
			q = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(q)))
	}
	return out
}

// BytesToSamples normalizes little-endian signed 16-bit PCM to floats in
// [-1.0, 1.0). A trailing odd byte is ignored.
func BytesToSamples(data []byte) []float32 {
	n := len(data) / bytesPerSample
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		samples[i] = float32(v) / 32768
	}
	return samples
}
