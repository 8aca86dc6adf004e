// Package decode turns a source audio file into an in-memory stereo PCM
// table at a target sample rate. WAV, FLAC and MP3 sources are supported;
// anything else is a validation error. Resampling is delegated to
// zaf/resample; the whole decoded signal and the whole resampled output
// are each held in memory during that step.
package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	waudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/zaf/resample"

	"looper/internal/pcm"
)

// ErrUnsupportedFormat is returned for file extensions this package does
// not know how to decode.
var ErrUnsupportedFormat = fmt.Errorf("decode: unsupported audio format")

// File decodes path and resamples the result to targetRate, returning an
// owned stereo pcm.Table. The source's own sample rate is also returned so
// callers can record it (e.g. Pad.SourceSampleRate).
func File(path string, targetRate int) (table *pcm.Table, sourceRate int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("decode: open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		table, sourceRate, err = decodeWAV(f)
	case ".flac":
		table, sourceRate, err = decodeFLAC(f)
	case ".mp3":
		table, sourceRate, err = decodeMP3(f)
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, 0, err
	}

	if sourceRate != targetRate && targetRate > 0 {
		table, err = resampleTable(table, sourceRate, targetRate)
		if err != nil {
			return nil, 0, fmt.Errorf("decode: resample %s: %w", path, err)
		}
	}
	return table, sourceRate, nil
}

func decodeWAV(r io.ReadSeeker) (*pcm.Table, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("decode: not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode: wav pcm buffer: %w", err)
	}
	return tableFromIntBuffer(buf), int(dec.SampleRate), nil
}

func tableFromIntBuffer(buf *waudio.IntBuffer) *pcm.Table {
	fb := buf.AsFloatBuffer()
	chans := buf.Format.NumChannels
	if chans <= 0 {
		chans = 1
	}
	frames := len(fb.Data) / chans
	t := pcm.NewTable(buf.Format.SampleRate, frames)
	for i := 0; i < frames; i++ {
		if chans == 1 {
			v := float32(fb.Data[i])
			t.Data[2*i] = v
			t.Data[2*i+1] = v
		} else {
			t.Data[2*i] = float32(fb.Data[i*chans])
			t.Data[2*i+1] = float32(fb.Data[i*chans+1])
		}
	}
	return t
}

func decodeFLAC(r io.Reader) (*pcm.Table, int, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode: flac open: %w", err)
	}
	defer stream.Close()

	chans := int(stream.Info.NChannels)
	var mono []float32
	var left, right []float32
	maxAmp := float32(int64(1) << (stream.Info.BitsPerSample - 1))

	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("decode: flac frame: %w", err)
		}
		n := len(frame.Subframes[0].Samples)
		if chans == 1 {
			for i := 0; i < n; i++ {
				mono = append(mono, float32(frame.Subframes[0].Samples[i])/maxAmp)
			}
		} else {
			for i := 0; i < n; i++ {
				left = append(left, float32(frame.Subframes[0].Samples[i])/maxAmp)
				right = append(right, float32(frame.Subframes[1].Samples[i])/maxAmp)
			}
		}
	}

	if chans == 1 {
		return pcm.FromMono(int(stream.Info.SampleRate), mono), int(stream.Info.SampleRate), nil
	}
	t := pcm.NewTable(int(stream.Info.SampleRate), len(left))
	for i := range left {
		t.Data[2*i] = left[i]
		t.Data[2*i+1] = right[i]
	}
	return t, int(stream.Info.SampleRate), nil
}

func decodeMP3(r io.Reader) (*pcm.Table, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode: mp3 open: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("decode: mp3 read: %w", err)
	}
	// go-mp3 always produces signed 16-bit little-endian stereo.
	frames := len(raw) / 4
	t := pcm.NewTable(dec.SampleRate(), frames)
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		t.Data[2*i] = float32(l) / 32768.0
		t.Data[2*i+1] = float32(r) / 32768.0
	}
	return t, dec.SampleRate(), nil
}

// wavProbeReadLimit bounds the header read in ProbeWAVSampleRate: large
// enough to cover any reasonable run of chunks preceding "fmt ", small
// enough that probing never approaches the cost of a full decode.
const wavProbeReadLimit = 64 * 1024

// ProbeWAVSampleRate reads just enough of path's header to report the
// sample rate a cached WAV was written at, without decoding any audio
// data. Used to validate a restored project's cached samples against the
// current output device rate before paying for a full Load.
//
// Ported from persistence.probe_wav_sample_rate: validate the RIFF/WAVE
// magic, then walk RIFF sub-chunks from offset 12 looking for "fmt ",
// reading its sample rate field at data offset 4. Chunks are padded to an
// even byte count, so each chunk's end must be rounded up by one byte
// before reading the next chunk header.
func ProbeWAVSampleRate(path string) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	header := make([]byte, wavProbeReadLimit)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, false
	}
	header = header[:n]

	if len(header) < 12 || string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, false
	}

	offset := 12
	for offset+8 <= len(header) {
		chunkID := string(header[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(header[offset+4 : offset+8]))
		dataStart := offset + 8
		if chunkID == "fmt " {
			if dataStart+8 > len(header) {
				return 0, false
			}
			return int(binary.LittleEndian.Uint32(header[dataStart+4 : dataStart+8])), true
		}
		dataEnd := dataStart + chunkSize
		if chunkSize%2 != 0 {
			dataEnd++
		}
		if dataEnd <= offset {
			return 0, false
		}
		offset = dataEnd
	}
	return 0, false
}

// resampleTable streams t through zaf/resample at 16-bit stereo precision
// and rebuilds a float32 Table from the resampled bytes.
func resampleTable(t *pcm.Table, inRate, outRate int) (*pcm.Table, error) {
	in := make([]byte, t.Frames*4)
	for i := 0; i < t.Frames; i++ {
		binary.LittleEndian.PutUint16(in[i*4:], uint16(int16(clampToInt16(t.Data[2*i]))))
		binary.LittleEndian.PutUint16(in[i*4+2:], uint16(int16(clampToInt16(t.Data[2*i+1]))))
	}

	var out bytes.Buffer
	res, err := resample.New(&out, float64(inRate), float64(outRate), 2, resample.I16, resample.HighQ)
	if err != nil {
		return nil, fmt.Errorf("decode: new resampler: %w", err)
	}
	if _, err := res.Write(in); err != nil {
		res.Close()
		return nil, fmt.Errorf("decode: resample write: %w", err)
	}
	if err := res.Close(); err != nil {
		return nil, fmt.Errorf("decode: resample close: %w", err)
	}

	raw := out.Bytes()
	frames := len(raw) / 4
	result := pcm.NewTable(outRate, frames)
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		result.Data[2*i] = float32(l) / 32768.0
		result.Data[2*i+1] = float32(r) / 32768.0
	}
	return result, nil
}

func clampToInt16(v float32) int32 {
	s := v * 32767.0
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int32(s)
}
