//go:build !opus
// +build !opus

package audio

import "errors"

// opusEncoder is absent without the opus build tag; newOpusEncoder always
// falls back to raw PCM, mirroring the teacher's opus_stub.go.
func newOpusEncoder(sampleRate, channels, bitrateBps int) (frameEncoder, error) {
	return nil, errors.New("audio: built without opus support (rebuild with -tags opus)")
}

func newOpusDecoder(sampleRate, channels, frameMs int) (frameDecoder, error) {
	return nil, errors.New("audio: built without opus support (rebuild with -tags opus)")
}
