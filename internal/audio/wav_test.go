package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWriterProducesValidContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.wav")

	w, err := NewWriter(path, Format{SampleRate: 48000, NumChannels: 1})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	// 480 samples of silence, ten times
	frame := make([]byte, 480*2)
	for i := 0; i < 10; i++ {
		if _, err := w.Write(frame); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	wantSize := WAVHeaderSize + 10*480*2
	if len(data) != wantSize {
		t.Errorf("Expected file size %d, got %d", wantSize, len(data))
	}

	if err := ValidateWAV(data); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	// Header data-length equals file size minus the header
	dataLen := binary.LittleEndian.Uint32(data[40:44])
	if int(dataLen) != len(data)-WAVHeaderSize {
		t.Errorf("Header dataLen %d does not match file size %d", dataLen, len(data))
	}

	chunkSize := binary.LittleEndian.Uint32(data[4:8])
	if chunkSize != 36+dataLen {
		t.Errorf("Expected chunk size %d, got %d", 36+dataLen, chunkSize)
	}

	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	if sampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", sampleRate)
	}

	byteRate := binary.LittleEndian.Uint32(data[28:32])
	if byteRate != 48000*2 {
		t.Errorf("Expected byte rate %d, got %d", 48000*2, byteRate)
	}

	bits := binary.LittleEndian.Uint16(data[34:36])
	if bits != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", bits)
	}
}

func TestWriterCloseWithoutWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")

	w, err := NewWriter(path, Format{SampleRate: 16000, NumChannels: 1})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if len(data) != WAVHeaderSize {
		t.Fatalf("Expected %d byte file, got %d", WAVHeaderSize, len(data))
	}
	if err := ValidateWAV(data); err != nil {
		t.Errorf("Zero-data container is invalid: %v", err)
	}
	if dataLen := binary.LittleEndian.Uint32(data[40:44]); dataLen != 0 {
		t.Errorf("Expected zero dataLen, got %d", dataLen)
	}
}

func TestWriterCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.wav")

	w, err := NewWriter(path, Format{SampleRate: 8000, NumChannels: 1})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, err := w.Write([]byte{0x01, 0x02, 0x03, 0x04}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if string(first) != string(second) {
		t.Error("Second close changed the on-disk state")
	}

	if _, err := w.Write([]byte{0x00}); err == nil {
		t.Error("Expected write to closed writer to fail")
	}
}

func TestWriterCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants", "alice_42_123", "combined_alice_42_123.wav")

	w, err := NewWriter(path, Format{SampleRate: 48000, NumChannels: 1})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected file to exist: %v", err)
	}
}

func TestWriterClampsDegenerateFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "degenerate.wav")

	w, err := NewWriter(path, Format{SampleRate: 0, NumChannels: 0})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 1 {
		t.Errorf("Expected clamped sample rate 1, got %d", rate)
	}
	if channels := binary.LittleEndian.Uint16(data[22:24]); channels != 1 {
		t.Errorf("Expected clamped channel count 1, got %d", channels)
	}
}

func TestGetWAVInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.wav")

	w, err := NewWriter(path, Format{SampleRate: 16000, NumChannels: 1})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, err := w.Write(make([]byte, 16000*2)); err != nil { // one second
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	duration, err := GetFileDuration(path)
	if err != nil {
		t.Fatalf("GetFileDuration failed: %v", err)
	}
	if duration < 0.99 || duration > 1.01 {
		t.Errorf("Expected ~1s duration, got %f", duration)
	}
}
