package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

const (
	bitDepth     = 16
	formatPCM    = 1
	mp3Channels  = 2
	bytesPerSamp = 2
)

// encodeWAV wraps signed 16-bit samples in a RIFF container.
func encodeWAV(samples []int, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav format: rate=%d channels=%d", sampleRate, channels)
	}
	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, bitDepth, channels, formatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return out.buf, nil
}

// pcm16ToInts reads little-endian signed 16-bit PCM. A trailing odd byte is dropped.
func pcm16ToInts(pcm []byte) []int {
	n := len(pcm) / bytesPerSamp
	samples := make([]int, n)
	for i := 0; i < n; i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSamp:])))
	}
	return samples
}

// mp3ToAudio decodes an MP3 stream into a stereo WAV.
func mp3ToAudio(data []byte) (Audio, error) {
	if len(data) == 0 {
		return Audio{}, errors.New("no audio data received")
	}
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Audio{}, fmt.Errorf("decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return Audio{}, fmt.Errorf("read mp3 pcm: %w", err)
	}
	frame := mp3Channels * bytesPerSamp
	pcm = pcm[:len(pcm)/frame*frame]
	wavData, err := encodeWAV(pcm16ToInts(pcm), decoder.SampleRate(), mp3Channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: wavData, SampleRate: decoder.SampleRate(), Channels: mp3Channels}, nil
}

// probeWAV validates a rendered WAV and reports its format.
func probeWAV(data []byte) (Audio, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Audio{}, errors.New("response is not a valid wav file")
	}
	return Audio{Data: data, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to patch sizes.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	w.pos = int(next)
	return next, nil
}
