package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/metrics"
	"github.com/RedKAa/meetbot/internal/protocol"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	cfg := &config.RecordingConfig{
		RecordingsRoot:            t.TempDir(),
		EnableMixedAudio:          true,
		EnablePerParticipantAudio: true,
		InactivityTimeout:         300,
		PendingBufferSeconds:      30,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetricsWith(prometheus.NewRegistry())

	s, err := New(uuid.New().String(), cfg, logger, m)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return s
}

func jsonFrame(t *testing.T, event map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to encode event: %v", err)
	}
	return protocol.EncodeFrame(protocol.FrameTypeJSON, payload)
}

func mixedFrame(samples []float32) []byte {
	return protocol.EncodeFrame(protocol.FrameTypeMixedAudio, protocol.EncodeFloat32(samples))
}

func participantFrame(t *testing.T, id string, samples []float32) []byte {
	t.Helper()
	payload, err := protocol.EncodeParticipantAudio(id, protocol.EncodeFloat32(samples))
	if err != nil {
		t.Fatalf("Failed to encode participant audio: %v", err)
	}
	return protocol.EncodeFrame(protocol.FrameTypeParticipantAudio, payload)
}

func formatFrame(t *testing.T, sampleRate int) []byte {
	t.Helper()
	return jsonFrame(t, map[string]any{
		"type": "AudioFormatUpdate",
		"format": map[string]any{
			"sampleRate":       sampleRate,
			"numberOfChannels": 1,
		},
	})
}

// findArchiveDir returns the single archive directory under completed/.
func findArchiveDir(t *testing.T, root string) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, "completed"))
	if err != nil {
		t.Fatalf("Failed to read completed directory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected exactly one archive directory, got %d", len(entries))
	}
	return filepath.Join(root, "completed", entries[0].Name())
}

func TestHappyPathMixedOnly(t *testing.T) {
	s := newTestSession(t)
	root := s.cfg.RecordingsRoot
	liveDir := s.BaseDir()

	s.HandleMessage(jsonFrame(t, map[string]any{
		"type":       "SessionStarted",
		"meetingUrl": "https://meet.example/xyz",
	}))
	s.HandleMessage(formatFrame(t, 48000))

	silence := make([]float32, 480)
	for i := 0; i < 10; i++ {
		s.HandleMessage(mixedFrame(silence))
	}

	s.Close(ReasonClientClose, nil)

	// Live directory is gone after archival
	if _, err := os.Stat(liveDir); !os.IsNotExist(err) {
		t.Errorf("Expected live directory to be removed, stat err: %v", err)
	}

	archiveDir := findArchiveDir(t, root)
	if !strings.HasPrefix(filepath.Base(archiveDir), "meeting_xyz_") {
		t.Errorf("Expected archive name to begin with meeting_xyz_, got %s", filepath.Base(archiveDir))
	}

	// Container file: 44-byte header + 10*480 samples * 2 bytes
	wav, err := os.ReadFile(filepath.Join(archiveDir, "mixed_audio.wav"))
	if err != nil {
		t.Fatalf("Failed to read mixed audio: %v", err)
	}
	if len(wav) != 9644 {
		t.Errorf("Expected 9644 byte container, got %d", len(wav))
	}
	dataLen := uint32(wav[40]) | uint32(wav[41])<<8 | uint32(wav[42])<<16 | uint32(wav[43])<<24
	if dataLen != 9600 {
		t.Errorf("Expected header dataLen 9600, got %d", dataLen)
	}

	// Telemetry has exactly the two JSON lines
	telemetry, err := os.ReadFile(filepath.Join(archiveDir, telemetryFileName))
	if err != nil {
		t.Fatalf("Failed to read telemetry: %v", err)
	}
	lines := strings.Count(string(telemetry), "\n")
	if lines != 2 {
		t.Errorf("Expected 2 telemetry lines, got %d", lines)
	}

	// Summary reflects the close and the archive
	var summary Summary
	data, err := os.ReadFile(filepath.Join(archiveDir, summaryFileName))
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if summary.Reason != ReasonClientClose {
		t.Errorf("Expected reason %q, got %q", ReasonClientClose, summary.Reason)
	}
	if summary.Stats.JSONMessages != 2 || summary.Stats.MixedAudioFrames != 10 {
		t.Errorf("Unexpected stats: %+v", summary.Stats)
	}
	if summary.ArchivePath == "" || summary.ManifestPath == "" {
		t.Error("Expected archive and manifest paths in enriched summary")
	}

	// Manifest lists the files with sizes
	var manifest Manifest
	data, err = os.ReadFile(filepath.Join(archiveDir, manifestFileName))
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("Failed to parse manifest: %v", err)
	}
	found := false
	for _, f := range manifest.Files {
		if f.Path == "mixed_audio.wav" && f.Size == 9644 {
			found = true
		}
	}
	if !found {
		t.Errorf("Manifest missing mixed_audio.wav entry: %+v", manifest.Files)
	}
}

func TestBufferedParticipantAudioBeforeFormat(t *testing.T) {
	s := newTestSession(t)
	root := s.cfg.RecordingsRoot

	ones := make([]float32, 20)
	for i := range ones {
		ones[i] = 1.0
	}

	// Audio arrives before the format descriptor
	s.HandleMessage(participantFrame(t, "abc123", ones))
	s.HandleMessage(formatFrame(t, 16000))
	s.Close(ReasonClientClose, nil)

	archiveDir := findArchiveDir(t, root)

	// Fallback label: participant_<deviceSuffix>_<rand3>
	entries, err := os.ReadDir(filepath.Join(archiveDir, participantsDir))
	if err != nil {
		t.Fatalf("Failed to read participants directory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected one participant directory, got %d", len(entries))
	}
	label := entries[0].Name()
	if !regexp.MustCompile(`^participant_123_\d{3}$`).MatchString(label) {
		t.Errorf("Unexpected fallback label %q", label)
	}

	wav, err := os.ReadFile(filepath.Join(archiveDir, participantsDir, label, "combined_"+label+".wav"))
	if err != nil {
		t.Fatalf("Failed to read participant audio: %v", err)
	}
	if len(wav) != 84 {
		t.Fatalf("Expected 84 byte container, got %d", len(wav))
	}

	// 1.0 clamps to 32767 = 0xFF 0x7F little-endian
	for i := 44; i < len(wav); i += 2 {
		if wav[i] != 0xFF || wav[i+1] != 0x7F {
			t.Fatalf("Sample at offset %d is %02x %02x, expected ff 7f", i, wav[i], wav[i+1])
		}
	}
}

func TestBufferedMixedOrderEquivalence(t *testing.T) {
	samples := []float32{0.1, -0.2, 0.3, -0.4, 0.5}

	run := func(formatFirst bool) []byte {
		s := newTestSession(t)
		if formatFirst {
			s.HandleMessage(formatFrame(t, 48000))
			s.HandleMessage(mixedFrame(samples))
		} else {
			s.HandleMessage(mixedFrame(samples))
			s.HandleMessage(formatFrame(t, 48000))
		}
		s.Close(ReasonClientClose, nil)

		archiveDir := findArchiveDir(t, s.cfg.RecordingsRoot)
		data, err := os.ReadFile(filepath.Join(archiveDir, "mixed_audio.wav"))
		if err != nil {
			t.Fatalf("Failed to read mixed audio: %v", err)
		}
		return data
	}

	if !bytes.Equal(run(true), run(false)) {
		t.Error("Container differs between format-first and audio-first arrival orders")
	}
}

func TestJSONOnlySessionProducesNoAudio(t *testing.T) {
	s := newTestSession(t)
	root := s.cfg.RecordingsRoot

	for i := 0; i < 3; i++ {
		s.HandleMessage(jsonFrame(t, map[string]any{"type": "Heartbeat", "seq": i}))
	}
	s.Close(ReasonClientClose, nil)

	archiveDir := findArchiveDir(t, root)

	if _, err := os.Stat(filepath.Join(archiveDir, "mixed_audio.wav")); !os.IsNotExist(err) {
		t.Error("Expected no mixed audio file")
	}

	var summary Summary
	data, err := os.ReadFile(filepath.Join(archiveDir, summaryFileName))
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if summary.Metadata.AudioFiles.Mixed != "" {
		t.Errorf("Expected empty audioFiles.mixed, got %q", summary.Metadata.AudioFiles.Mixed)
	}
	if summary.Stats.JSONMessages != 3 {
		t.Errorf("Expected 3 JSON messages, got %d", summary.Stats.JSONMessages)
	}

	telemetry, err := os.ReadFile(filepath.Join(archiveDir, telemetryFileName))
	if err != nil {
		t.Fatalf("Failed to read telemetry: %v", err)
	}
	if lines := strings.Count(string(telemetry), "\n"); lines != 3 {
		t.Errorf("Telemetry line count %d does not match jsonMessages", lines)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestSession(t)
	root := s.cfg.RecordingsRoot

	s.HandleMessage(formatFrame(t, 48000))
	s.Close(ReasonClientClose, nil)
	s.Close(ReasonSocketError, fmt.Errorf("late error")) // must be a no-op

	archiveDir := findArchiveDir(t, root)

	var summary Summary
	data, err := os.ReadFile(filepath.Join(archiveDir, summaryFileName))
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if summary.Reason != ReasonClientClose {
		t.Errorf("Expected first close reason to win, got %q", summary.Reason)
	}
	if summary.Error != "" {
		t.Errorf("Expected no error in summary, got %q", summary.Error)
	}
}

func TestArchiveCollisionSuffix(t *testing.T) {
	s := newTestSession(t)
	root := s.cfg.RecordingsRoot

	s.HandleMessage(jsonFrame(t, map[string]any{
		"type":       "SessionStarted",
		"meetingUrl": "https://meet.example/xyz",
	}))

	// Pre-create the directory the archiver would pick
	baseName := fmt.Sprintf("meeting_%s_%s_%s",
		archiveSlug(s.meta.MeetingURL),
		s.startWall.UTC().Format(archiveTimestampLayout),
		s.ShortID,
	)
	if err := os.MkdirAll(filepath.Join(root, "completed", baseName), 0o755); err != nil {
		t.Fatalf("Failed to pre-create collision directory: %v", err)
	}

	s.Close(ReasonClientClose, nil)

	suffixed := filepath.Join(root, "completed", baseName+"_01")
	if _, err := os.Stat(suffixed); err != nil {
		t.Fatalf("Expected archive at %s: %v", suffixed, err)
	}

	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(suffixed, manifestFileName))
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("Failed to parse manifest: %v", err)
	}
	for _, f := range manifest.Files {
		if filepath.IsAbs(f.Path) {
			t.Errorf("Manifest path %q is not relative", f.Path)
		}
	}
	if len(manifest.Files) == 0 {
		t.Error("Expected manifest to list files")
	}
}

func TestEmptyParticipantIDIsDistinct(t *testing.T) {
	s := newTestSession(t)

	s.HandleMessage(formatFrame(t, 48000))
	s.HandleMessage(participantFrame(t, "", []float32{0.5, 0.5}))
	s.HandleMessage(participantFrame(t, "dev7", []float32{0.5, 0.5}))
	s.Close(ReasonClientClose, nil)

	archiveDir := findArchiveDir(t, s.cfg.RecordingsRoot)
	entries, err := os.ReadDir(filepath.Join(archiveDir, participantsDir))
	if err != nil {
		t.Fatalf("Failed to read participants directory: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 participant directories, got %d", len(entries))
	}
}

func TestStatsAccounting(t *testing.T) {
	s := newTestSession(t)

	s.HandleMessage(jsonFrame(t, map[string]any{"type": "SessionStarted"}))
	s.HandleMessage(protocol.EncodeFrame(protocol.FrameTypeVideo, []byte{1, 2, 3}))
	s.HandleMessage(protocol.EncodeFrame(protocol.FrameTypeEncodedVideo, []byte{1}))
	s.HandleMessage(protocol.EncodeFrame(99, []byte{0}))    // unknown type
	s.HandleMessage([]byte{0x01})                           // short frame
	s.HandleMessage(protocol.EncodeFrame(protocol.FrameTypeMixedAudio, []byte{1, 2, 3})) // partial sample

	stats := s.StatsSnapshot()
	if stats.JSONMessages != 1 {
		t.Errorf("JSONMessages = %d", stats.JSONMessages)
	}
	if stats.VideoFrames != 1 || stats.EncodedVideoChunks != 1 {
		t.Errorf("Video counters wrong: %+v", stats)
	}
	if stats.UnknownFrames != 3 {
		t.Errorf("Expected 3 unknown frames (unknown type, short frame, partial sample), got %d", stats.UnknownFrames)
	}
	if stats.MixedAudioFrames != 0 {
		t.Errorf("Partial-sample frame must not count as mixed audio, got %d", stats.MixedAudioFrames)
	}

	s.Close(ReasonClientClose, nil)
}

func TestParticipantLabelStableAcrossFrames(t *testing.T) {
	s := newTestSession(t)

	s.HandleMessage(formatFrame(t, 48000))
	s.HandleMessage(jsonFrame(t, map[string]any{
		"type": "UsersUpdate",
		"newUsers": []map[string]any{
			{"deviceId": "dev42", "fullName": "Jane Doe"},
		},
	}))
	for i := 0; i < 5; i++ {
		s.HandleMessage(participantFrame(t, "dev42", []float32{0.1, 0.2}))
	}
	s.Close(ReasonClientClose, nil)

	archiveDir := findArchiveDir(t, s.cfg.RecordingsRoot)
	entries, err := os.ReadDir(filepath.Join(archiveDir, participantsDir))
	if err != nil {
		t.Fatalf("Failed to read participants directory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected a single stable participant directory, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "janedoe_42_") {
		t.Errorf("Expected label from registry name, got %q", entries[0].Name())
	}
}

func TestRemovedFromMeetingClosesSession(t *testing.T) {
	s := newTestSession(t)

	s.HandleMessage(jsonFrame(t, map[string]any{
		"type":   "MeetingStatusChange",
		"change": "removed_from_meeting",
	}))

	if !s.IsClosed() {
		t.Fatal("Expected session to be closed")
	}

	archiveDir := findArchiveDir(t, s.cfg.RecordingsRoot)
	var summary Summary
	data, err := os.ReadFile(filepath.Join(archiveDir, summaryFileName))
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if summary.Reason != ReasonRemovedFromMeeting {
		t.Errorf("Expected reason %q, got %q", ReasonRemovedFromMeeting, summary.Reason)
	}
}

func TestMeetingURLAdoptedFromAnyEvent(t *testing.T) {
	s := newTestSession(t)

	s.HandleMessage(jsonFrame(t, map[string]any{
		"type":       "RecordingStatus",
		"meetingUrl": "https://meet.example/adopted",
	}))

	meta := s.MetadataSnapshot()
	if meta.MeetingURL != "https://meet.example/adopted" {
		t.Errorf("Expected adopted meeting URL, got %q", meta.MeetingURL)
	}

	s.Close(ReasonClientClose, nil)
}

func TestAudioDiscardedWhenFormatNeverArrives(t *testing.T) {
	s := newTestSession(t)

	s.HandleMessage(mixedFrame([]float32{0.5, 0.5}))
	s.Close(ReasonClientClose, nil)

	archiveDir := findArchiveDir(t, s.cfg.RecordingsRoot)
	if _, err := os.Stat(filepath.Join(archiveDir, "mixed_audio.wav")); !os.IsNotExist(err) {
		t.Error("Expected buffered audio to be discarded when no format arrived")
	}

	stats := s.StatsSnapshot()
	if stats.MixedAudioFrames != 1 {
		t.Errorf("Buffered frame still counts as accepted, got %d", stats.MixedAudioFrames)
	}
}
