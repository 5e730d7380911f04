//go:build opus
// +build opus

package audio

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

// opusEncoder wraps the real libopus encoder, grounded on the teacher's
// opus_support.go (same build tag, same opus.v2 API, generalized from its
// WebSocket base64-JSON framing to this package's length-prefixed binary frames).
type opusEncoder struct {
	enc *opus.Encoder
}

func newOpusEncoder(sampleRate, channels, bitrateBps int) (frameEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encoder init: %w", err)
	}
	if bitrateBps > 0 {
		if err := enc.SetBitrate(bitrateBps); err != nil {
			return nil, fmt.Errorf("audio: opus set bitrate: %w", err)
		}
	}
	return &opusEncoder{enc: enc}, nil
}

func (o *opusEncoder) encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 4000)
	n, err := o.enc.Encode(pcm, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func (o *opusEncoder) codecName() string { return "opus" }

// opusDecoder handles the client-to-server TX direction.
type opusDecoder struct {
	dec       *opus.Decoder
	frameSize int
}

func newOpusDecoder(sampleRate, channels, frameMs int) (frameDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder init: %w", err)
	}
	return &opusDecoder{dec: dec, frameSize: sampleRate * channels * frameMs / 1000}, nil
}

func (o *opusDecoder) decode(packet []byte) ([]int16, error) {
	out := make([]int16, o.frameSize)
	n, err := o.dec.Decode(packet, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
