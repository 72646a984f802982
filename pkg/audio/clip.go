// Package audio slices PCM WAV data into per-utterance clips. The clip
// assembler takes the decoded audio track of a transcription, extracts the
// time ranges an utterance group covers, and re-wraps them as a standalone
// WAV with fixed silence between non-adjacent ranges.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const bitsPerSample = 16

// TimeRange is a contiguous span of source audio in milliseconds.
type TimeRange struct {
	StartMS int64
	EndMS   int64
}

// DurationMS returns the span length, never negative.
func (r TimeRange) DurationMS() int64 {
	if r.EndMS <= r.StartMS {
		return 0
	}
	return r.EndMS - r.StartMS
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	DataSize   int // length of the data chunk in bytes
	SampleRate int
	Channels   int
}

// parseWAV scans the RIFF/WAVE container in wav and returns the PCM data
// bounds and audio format from the "fmt " sub-chunk. Walking the chunks is
// more robust than hardcoding a fixed 44-byte offset because the fmt chunk
// size may vary.
//
// Only uncompressed 16-bit PCM is accepted.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("audio: blob too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("audio: blob missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("audio: blob missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return wavInfo{}, errors.New("audio: malformed fmt chunk")
			}
			fmtData := wav[offset+8:]
			format := binary.LittleEndian.Uint16(fmtData[0:2])
			bps := binary.LittleEndian.Uint16(fmtData[14:16])
			if format != 1 || bps != bitsPerSample {
				return wavInfo{}, fmt.Errorf("audio: unsupported format %d/%d-bit, want PCM/16-bit", format, bps)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("audio: data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataSize = chunkSize
			if info.DataOffset+info.DataSize > len(wav) {
				info.DataSize = len(wav) - info.DataOffset
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("audio: blob missing data chunk")
}

// Clip assembles one WAV artifact from the listed spans of a source WAV blob.
// Consecutive spans are separated by gapMS of silence; no silence is inserted
// before the first span or after the last. Spans are taken in the given order
// and sample timing within each span is untouched. Sample rate and channel
// layout inherit from the source.
//
// Zero-length spans are skipped. Spans reaching past the end of the source
// are clamped to it.
func Clip(wav []byte, ranges []TimeRange, gapMS int64) ([]byte, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid format %dHz/%dch", info.SampleRate, info.Channels)
	}

	blockAlign := info.Channels * bitsPerSample / 8
	data := wav[info.DataOffset : info.DataOffset+info.DataSize]
	silence := make([]byte, msToBytes(gapMS, info.SampleRate, blockAlign))

	var pcm []byte
	wrote := false
	for _, r := range ranges {
		if r.DurationMS() == 0 {
			continue
		}
		start := msToBytes(r.StartMS, info.SampleRate, blockAlign)
		end := msToBytes(r.EndMS, info.SampleRate, blockAlign)
		if start >= len(data) {
			continue
		}
		if end > len(data) {
			end = len(data)
		}
		if wrote {
			pcm = append(pcm, silence...)
		}
		pcm = append(pcm, data[start:end]...)
		wrote = true
	}
	if !wrote {
		return nil, errors.New("audio: no usable spans")
	}
	return EncodeWAV(pcm, info.SampleRate, info.Channels), nil
}

// msToBytes converts a time offset to a block-aligned byte offset into the
// PCM data.
func msToBytes(ms int64, sampleRate, blockAlign int) int {
	samples := ms * int64(sampleRate) / 1000
	return int(samples) * blockAlign
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
