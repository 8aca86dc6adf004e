package decode_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"looper/internal/decode"
)

// writeTestWAV writes a minimal canonical 16-bit PCM stereo WAV file.
func writeTestWAV(t *testing.T, path string, sampleRate, frames int) {
	t.Helper()
	data := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		data[2*i] = int16(2000)
		data[2*i+1] = int16(-2000)
	}
	dataBytes := len(data) * 2

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	write := func(v any) {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}

	byteRate := sampleRate * 2 * 2
	f.WriteString("RIFF")
	write(uint32(36 + dataBytes))
	f.WriteString("WAVE")
	f.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(2))
	write(uint32(sampleRate))
	write(uint32(byteRate))
	write(uint16(4))
	write(uint16(16))
	f.WriteString("data")
	write(uint32(dataBytes))
	write(data)
}

func TestFileDecodesWAVAtNativeRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	writeTestWAV(t, path, 48000, 4800)

	table, sourceRate, err := decode.File(path, 48000)
	if err != nil {
		t.Fatal(err)
	}
	if sourceRate != 48000 {
		t.Errorf("expected source rate 48000, got %d", sourceRate)
	}
	if table.Frames != 4800 {
		t.Errorf("expected 4800 frames, got %d", table.Frames)
	}
	l, r := table.At(0)
	if l <= 0 || r >= 0 {
		t.Errorf("expected positive left / negative right sample, got %v %v", l, r)
	}
}

func TestFileResamplesWhenRatesDiffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	writeTestWAV(t, path, 48000, 4800)

	table, sourceRate, err := decode.File(path, 44100)
	if err != nil {
		t.Fatal(err)
	}
	if sourceRate != 48000 {
		t.Errorf("expected reported source rate to stay 48000, got %d", sourceRate)
	}
	if table.SampleRate != 44100 {
		t.Errorf("expected resampled table at 44100, got %d", table.SampleRate)
	}
	// Resampling 4800 frames at 48000->44100 should land close to 4410 frames.
	if table.Frames < 4000 || table.Frames > 4800 {
		t.Errorf("expected resampled frame count in a plausible range, got %d", table.Frames)
	}
}

func TestFileRejectsUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ogg")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := decode.File(path, 48000)
	if !errors.Is(err, decode.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFileReturnsErrorForMissingFile(t *testing.T) {
	_, _, err := decode.File(filepath.Join(t.TempDir(), "missing.wav"), 48000)
	if err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestProbeWAVSampleRateReadsHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	writeTestWAV(t, path, 44100, 4800)

	rate, ok := decode.ProbeWAVSampleRate(path)
	if !ok {
		t.Fatal("expected a successful probe")
	}
	if rate != 44100 {
		t.Errorf("expected 44100, got %d", rate)
	}
}

func TestProbeWAVSampleRateRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(path, []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := decode.ProbeWAVSampleRate(path); ok {
		t.Error("expected probe to reject a file without RIFF/WAVE magic")
	}
}

func TestProbeWAVSampleRateRejectsMissingFile(t *testing.T) {
	if _, ok := decode.ProbeWAVSampleRate(filepath.Join(t.TempDir(), "missing.wav")); ok {
		t.Error("expected probe to fail for a missing file")
	}
}
