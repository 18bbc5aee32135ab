package stt

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// AudioInfo describes an uploaded WAV file.
type AudioInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Probe reads the WAV header of path.
func Probe(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return AudioInfo{}, errors.New("not a valid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return AudioInfo{}, fmt.Errorf("wav data chunk: %w", err)
	}
	info := AudioInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	info.Duration = pcmDuration(dec.PCMLen(), info)
	return info, nil
}

// pcmDuration derives playback time from the data chunk alone; the RIFF size also counts headers.
func pcmDuration(pcmBytes int64, info AudioInfo) time.Duration {
	bytesPerSecond := int64(info.SampleRate) * int64(info.Channels) * int64(info.BitDepth/8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(pcmBytes) * time.Second / time.Duration(bytesPerSecond)
}
