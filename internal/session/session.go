package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RedKAa/meetbot/internal/audio"
	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/metrics"
	"github.com/RedKAa/meetbot/internal/protocol"
)

// Close reasons recorded in the session summary
const (
	ReasonClientClose        = "client_close"
	ReasonSocketError        = "socket_error"
	ReasonInactivityTimeout  = "inactivity_timeout"
	ReasonRemovedFromMeeting = "removed_from_meeting"
	ReasonShutdown           = "shutdown"
)

const (
	telemetryFileName = "telemetry.ndjson"
	summaryFileName   = "session-summary.json"
	mixedAudioFile    = "mixed_audio.wav"
	participantsDir   = "participants"

	// Sizing assumption for pending buffers while the format is unknown:
	// 48 kHz mono float32 wire audio.
	assumedPendingByteRate = 48000 * protocol.BytesPerFloatSample
)

// Stats counts accepted frames by kind. Exactly one counter is incremented
// per frame whose header could be read.
type Stats struct {
	JSONMessages           uint64 `json:"jsonMessages"`
	MixedAudioFrames       uint64 `json:"mixedAudioFrames"`
	ParticipantAudioFrames uint64 `json:"participantAudioFrames"`
	VideoFrames            uint64 `json:"videoFrames"`
	EncodedVideoChunks     uint64 `json:"encodedVideoChunks"`
	UnknownFrames          uint64 `json:"unknownFrames"`
}

// ParticipantInfo is the registry entry for one meeting participant,
// keyed by deviceId.
type ParticipantInfo struct {
	DeviceID      string `json:"deviceId"`
	DisplayName   string `json:"displayName,omitempty"`
	FullName      string `json:"fullName,omitempty"`
	IsCurrentUser bool   `json:"isCurrentUser,omitempty"`
}

// AudioFiles records the relative paths of the container files produced so far.
type AudioFiles struct {
	Mixed        string   `json:"mixed,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Metadata is the session metadata snapshot frozen at close.
type Metadata struct {
	MeetingURL   string                      `json:"meetingUrl,omitempty"`
	BotName      string                      `json:"botName,omitempty"`
	StartedAt    string                      `json:"startedAt"`
	AudioFormat  *audio.Format               `json:"audioFormat,omitempty"`
	AudioFiles   AudioFiles                  `json:"audioFiles"`
	Participants map[string]*ParticipantInfo `json:"participants,omitempty"`
	ArchivePath  string                      `json:"archivePath,omitempty"`
	ManifestPath string                      `json:"manifestPath,omitempty"`
}

// Summary is the session-summary.json document written at close and
// rewritten with archive locations after a successful move.
type Summary struct {
	SessionID         string   `json:"sessionId"`
	Reason            string   `json:"reason"`
	DurationMs        int64    `json:"durationMs"`
	IdleMsBeforeClose int64    `json:"idleMsBeforeClose"`
	Stats             Stats    `json:"stats"`
	Metadata          Metadata `json:"metadata"`
	Error             string   `json:"error,omitempty"`
	ArchivePath       string   `json:"archivePath,omitempty"`
	ManifestPath      string   `json:"manifestPath,omitempty"`
}

// participantWriter pairs a derived label with the container writer backing it.
type participantWriter struct {
	label  string
	writer *audio.Writer
}

// Session holds all state owned by one WebSocket connection for the
// duration of one meeting recording. All frame handling happens on the
// connection's read goroutine; Close may additionally be called from the
// inactivity sweeper or shutdown path, so state is guarded by a mutex.
type Session struct {
	ID      string
	ShortID string

	baseDir   string
	cfg       *config.RecordingConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	rng       *rand.Rand
	startMono time.Time
	startWall time.Time

	mu        sync.Mutex
	lastFrame time.Time
	stats     Stats
	meta      Metadata
	format    *audio.Format

	telemetryFile *os.File
	telemetry     *bufio.Writer

	participants map[string]*ParticipantInfo
	labels       map[string]string

	mixedWriter *audio.Writer
	partWriters map[string]*participantWriter

	pendingMixed      [][]byte
	pendingMixedBytes int
	pendingPart       map[string][][]byte
	pendingPartBytes  int
	pendingPartOrder  []string
	pendingBudget     int

	warnedPendingMixed bool
	warnedPendingPart  bool
	warnedBadEnvelope  bool
	warnedTypes        map[int32]bool

	closed bool

	connCloser func() error
	onClosed   func(s *Session)
	onArchived func(archiveDir string)
}

// New creates a session with a fresh live directory and an open telemetry
// stream.
func New(id string, cfg *config.RecordingConfig, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	baseDir := filepath.Join(cfg.RecordingsRoot, "live", "session_"+id)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory %s: %w", baseDir, err)
	}

	telemetryFile, err := os.Create(filepath.Join(baseDir, telemetryFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry log: %w", err)
	}

	now := time.Now()
	shortID := id
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	s := &Session{
		ID:            id,
		ShortID:       shortID,
		baseDir:       baseDir,
		cfg:           cfg,
		logger:        logger.With(slog.String("session_id", shortID)),
		metrics:       m,
		rng:           rand.New(rand.NewSource(now.UnixNano())),
		startMono:     now,
		startWall:     now,
		lastFrame:     now,
		telemetryFile: telemetryFile,
		telemetry:     bufio.NewWriter(telemetryFile),
		participants:  make(map[string]*ParticipantInfo),
		labels:        make(map[string]string),
		partWriters:   make(map[string]*participantWriter),
		pendingPart:   make(map[string][][]byte),
		pendingBudget: int(cfg.GetPendingBufferWindow()/time.Second) * assumedPendingByteRate,
		warnedTypes:   make(map[int32]bool),
		meta: Metadata{
			StartedAt: now.UTC().Format(time.RFC3339),
		},
	}

	s.logger.Info("Session created", slog.String("base_dir", baseDir))
	return s, nil
}

// BaseDir returns the session's live directory.
func (s *Session) BaseDir() string {
	return s.baseDir
}

// SetConnCloser registers the callback that closes the live socket when the
// session is terminated from outside the read loop.
func (s *Session) SetConnCloser(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connCloser = fn
}

// SetOnClosed registers the callback invoked once after finalisation.
func (s *Session) SetOnClosed(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

// SetOnArchived registers the callback invoked with the completed directory
// after a successful archive move.
func (s *Session) SetOnArchived(fn func(archiveDir string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onArchived = fn
}

// IdleFor returns how long ago the session accepted its last frame.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastFrame)
}

// IsClosed reports whether the session has been finalised.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StatsSnapshot returns a copy of the frame counters.
func (s *Session) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// MetadataSnapshot returns a copy of the session metadata.
func (s *Session) MetadataSnapshot() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// HandleMessage is the entry point for each inbound frame.
func (s *Session) HandleMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		s.stats.UnknownFrames++
		s.metrics.RecordFrameError()
		return
	}

	s.lastFrame = time.Now()
	if protocol.IsKnownFrameType(frame.Type) {
		s.metrics.RecordFrame(protocol.FrameTypeString(frame.Type))
	} else {
		s.metrics.RecordFrame("unknown")
	}

	switch frame.Type {
	case protocol.FrameTypeJSON:
		s.handleJSON(frame.Payload)
	case protocol.FrameTypeMixedAudio:
		s.handleMixedAudio(frame.Payload)
	case protocol.FrameTypeParticipantAudio:
		s.handleParticipantAudio(frame.Payload)
	case protocol.FrameTypeVideo:
		s.stats.VideoFrames++
	case protocol.FrameTypeEncodedVideo:
		s.stats.EncodedVideoChunks++
	default:
		s.stats.UnknownFrames++
		s.metrics.RecordFrameError()
		if !s.warnedTypes[frame.Type] {
			s.warnedTypes[frame.Type] = true
			s.logger.Warn("Unknown frame type",
				slog.Int("frame_type", int(frame.Type)),
				slog.Int("payload_size", len(frame.Payload)),
			)
		}
	}
}

// inboundEvent is the recognised subset of the JSON event protocol. Events
// whose type is not handled below are persisted to telemetry only.
type inboundEvent struct {
	Type         string            `json:"type"`
	MeetingURL   string            `json:"meetingUrl"`
	BotName      string            `json:"botName"`
	Change       string            `json:"change"`
	Format       *formatUpdate     `json:"format"`
	NewUsers     []json.RawMessage `json:"newUsers"`
	UpdatedUsers []json.RawMessage `json:"updatedUsers"`
	RemovedUsers []json.RawMessage `json:"removedUsers"`
}

type formatUpdate struct {
	SampleRate       float64  `json:"sampleRate"`
	NumberOfChannels *float64 `json:"numberOfChannels"`
	NumberOfFrames   float64  `json:"numberOfFrames"`
	Format           string   `json:"format"`
}

type userUpdate struct {
	DeviceID      string `json:"deviceId"`
	DisplayName   string `json:"displayName"`
	FullName      string `json:"fullName"`
	IsCurrentUser bool   `json:"isCurrentUser"`
}

func (s *Session) handleJSON(payload []byte) {
	s.stats.JSONMessages++

	// The raw line goes to telemetry whether or not it parses.
	if _, err := s.telemetry.Write(payload); err != nil {
		s.logger.Error("Failed to write telemetry line", slog.String("error", err.Error()))
	} else if err := s.telemetry.WriteByte('\n'); err != nil {
		s.logger.Error("Failed to write telemetry line", slog.String("error", err.Error()))
	}

	var event inboundEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn("Unparseable JSON event",
			slog.Int("payload_size", len(payload)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch event.Type {
	case "SessionStarted":
		if event.MeetingURL != "" {
			s.meta.MeetingURL = event.MeetingURL
		}
		if event.BotName != "" {
			s.meta.BotName = event.BotName
		}
		s.logger.Info("Meeting session started",
			slog.String("meeting_url", s.meta.MeetingURL),
			slog.String("bot_name", s.meta.BotName),
		)
	case "AudioFormatUpdate":
		s.handleFormatUpdate(event.Format)
	case "UsersUpdate":
		s.upsertUsers(event.NewUsers)
		s.upsertUsers(event.UpdatedUsers)
		// removedUsers is non-authoritative: participants may rejoin, so
		// writers stay open until the session closes.
	case "MeetingStatusChange":
		if event.Change == "removed_from_meeting" {
			s.logger.Info("Bot removed from meeting, closing session")
			s.closeLocked(ReasonRemovedFromMeeting, nil)
			return
		}
	}

	if s.meta.MeetingURL == "" && event.MeetingURL != "" {
		s.meta.MeetingURL = event.MeetingURL
	}
}

func (s *Session) handleFormatUpdate(update *formatUpdate) {
	if update == nil || update.SampleRate <= 0 {
		s.logger.Warn("Ignoring invalid audio format update")
		return
	}

	format := &audio.Format{
		SampleRate:  int(update.SampleRate),
		NumChannels: 1,
		NumFrames:   int(update.NumberOfFrames),
		Encoding:    update.Format,
	}
	if update.NumberOfChannels != nil && *update.NumberOfChannels > 0 {
		format.NumChannels = int(*update.NumberOfChannels)
	}

	if s.format == nil {
		s.format = format
		s.meta.AudioFormat = format
		s.logger.Info("Audio format established",
			slog.Int("sample_rate", format.SampleRate),
			slog.Int("channels", format.NumChannels),
		)
		s.drainPending()
		return
	}

	if s.format.SampleRate != format.SampleRate || s.format.NumChannels != format.NumChannels {
		// Writers in flight are not rebuilt; the container header will
		// reflect the last update.
		s.logger.Warn("Audio format changed mid-session",
			slog.Int("old_sample_rate", s.format.SampleRate),
			slog.Int("new_sample_rate", format.SampleRate),
			slog.Int("old_channels", s.format.NumChannels),
			slog.Int("new_channels", format.NumChannels),
		)
	}
	s.format = format
	s.meta.AudioFormat = format
}

func (s *Session) upsertUsers(users []json.RawMessage) {
	for _, raw := range users {
		var u userUpdate
		if err := json.Unmarshal(raw, &u); err != nil || u.DeviceID == "" {
			continue
		}

		info, ok := s.participants[u.DeviceID]
		if !ok {
			info = &ParticipantInfo{DeviceID: u.DeviceID}
			s.participants[u.DeviceID] = info
		}
		if u.DisplayName != "" {
			info.DisplayName = u.DisplayName
		}
		if u.FullName != "" {
			info.FullName = u.FullName
		}
		info.IsCurrentUser = u.IsCurrentUser
	}
	s.meta.Participants = s.participants
}

func (s *Session) handleMixedAudio(payload []byte) {
	if len(payload)%protocol.BytesPerFloatSample != 0 {
		s.stats.UnknownFrames++
		s.metrics.RecordFrameError()
		return
	}
	s.stats.MixedAudioFrames++

	if !s.cfg.EnableMixedAudio || len(payload) == 0 {
		return
	}

	if s.format == nil {
		s.bufferMixed(payload)
		return
	}

	s.writeMixed(payload)
}

func (s *Session) handleParticipantAudio(payload []byte) {
	sub, err := protocol.ParseParticipantAudio(payload)
	if err != nil {
		s.stats.UnknownFrames++
		s.metrics.RecordFrameError()
		if !s.warnedBadEnvelope {
			s.warnedBadEnvelope = true
			s.logger.Warn("Malformed participant audio envelope", slog.String("error", err.Error()))
		}
		return
	}
	if len(sub.AudioData)%protocol.BytesPerFloatSample != 0 {
		s.stats.UnknownFrames++
		s.metrics.RecordFrameError()
		return
	}
	s.stats.ParticipantAudioFrames++

	if !s.cfg.EnablePerParticipantAudio || len(sub.AudioData) == 0 {
		return
	}

	if s.format == nil {
		s.bufferParticipant(sub.ParticipantID, sub.AudioData)
		return
	}

	s.writeParticipant(sub.ParticipantID, sub.AudioData)
}

func (s *Session) bufferMixed(payload []byte) {
	if !s.warnedPendingMixed {
		s.warnedPendingMixed = true
		s.logger.Warn("Mixed audio arrived before format descriptor, buffering")
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.pendingMixed = append(s.pendingMixed, buf)
	s.pendingMixedBytes += len(buf)

	for s.pendingMixedBytes > s.pendingBudget && len(s.pendingMixed) > 0 {
		s.pendingMixedBytes -= len(s.pendingMixed[0])
		s.pendingMixed = s.pendingMixed[1:]
		s.metrics.RecordPendingDrop()
	}
}

func (s *Session) bufferParticipant(participantID string, data []byte) {
	if !s.warnedPendingPart {
		s.warnedPendingPart = true
		s.logger.Warn("Participant audio arrived before format descriptor, buffering")
	}

	if _, ok := s.pendingPart[participantID]; !ok {
		s.pendingPartOrder = append(s.pendingPartOrder, participantID)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.pendingPart[participantID] = append(s.pendingPart[participantID], buf)
	s.pendingPartBytes += len(buf)

	for s.pendingPartBytes > s.pendingBudget {
		dropped := false
		for _, id := range s.pendingPartOrder {
			queue := s.pendingPart[id]
			if len(queue) == 0 {
				continue
			}
			s.pendingPartBytes -= len(queue[0])
			s.pendingPart[id] = queue[1:]
			s.metrics.RecordPendingDrop()
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
}

// drainPending flushes buffered audio through the normal write path, mixed
// first, then each participant in observed order. Called exactly once, when
// the first valid format arrives.
func (s *Session) drainPending() {
	if len(s.pendingMixed) > 0 {
		s.logger.Info("Draining buffered mixed audio",
			slog.Int("frames", len(s.pendingMixed)),
			slog.Int("bytes", s.pendingMixedBytes),
		)
		for _, buf := range s.pendingMixed {
			s.writeMixed(buf)
		}
	}
	s.pendingMixed = nil
	s.pendingMixedBytes = 0

	if len(s.pendingPartOrder) > 0 {
		s.logger.Info("Draining buffered participant audio",
			slog.Int("participants", len(s.pendingPartOrder)),
			slog.Int("bytes", s.pendingPartBytes),
		)
		for _, id := range s.pendingPartOrder {
			for _, buf := range s.pendingPart[id] {
				s.writeParticipant(id, buf)
			}
		}
	}
	s.pendingPart = make(map[string][][]byte)
	s.pendingPartOrder = nil
	s.pendingPartBytes = 0
}

func (s *Session) writeMixed(payload []byte) {
	if s.mixedWriter == nil {
		writer, err := audio.NewWriter(filepath.Join(s.baseDir, mixedAudioFile), *s.format)
		if err != nil {
			s.logger.Error("Failed to create mixed audio writer", slog.String("error", err.Error()))
			return
		}
		s.mixedWriter = writer
		s.meta.AudioFiles.Mixed = mixedAudioFile
	}

	pcm, err := protocol.Float32ToPCM16(payload)
	if err != nil {
		s.logger.Error("Failed to convert mixed audio", slog.String("error", err.Error()))
		return
	}

	n, err := s.mixedWriter.Write(pcm)
	s.metrics.RecordAudioBytes(n)
	if err != nil {
		s.logger.Error("Failed to write mixed audio",
			slog.String("file", mixedAudioFile),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Session) writeParticipant(participantID string, data []byte) {
	pw := s.partWriters[participantID]
	if pw == nil {
		var err error
		pw, err = s.createParticipantWriter(participantID)
		if err != nil {
			s.logger.Error("Failed to create participant writer",
				slog.String("participant_id", participantID),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	pcm, err := protocol.Float32ToPCM16(data)
	if err != nil {
		s.logger.Error("Failed to convert participant audio",
			slog.String("participant_id", participantID),
			slog.String("error", err.Error()),
		)
		return
	}

	n, err := pw.writer.Write(pcm)
	s.metrics.RecordAudioBytes(n)
	if err != nil {
		s.logger.Error("Failed to write participant audio",
			slog.String("label", pw.label),
			slog.String("error", err.Error()),
		)
	}
}

// createParticipantWriter lazily builds the writer and directory for a
// participant. Labels are cached per participant id so relabelling never
// happens; a directory collision with another participant's label picks a
// fresh random suffix.
func (s *Session) createParticipantWriter(participantID string) (*participantWriter, error) {
	label, ok := s.labels[participantID]
	if !ok {
		label = participantLabel(s.participants[participantID], participantID, s.rng)
		for attempt := 0; attempt < 10; attempt++ {
			if _, err := os.Stat(filepath.Join(s.baseDir, participantsDir, label)); os.IsNotExist(err) {
				break
			}
			label = participantLabel(s.participants[participantID], participantID, s.rng)
		}
		s.labels[participantID] = label
	}

	relPath := filepath.Join(participantsDir, label, "combined_"+label+".wav")
	writer, err := audio.NewWriter(filepath.Join(s.baseDir, relPath), *s.format)
	if err != nil {
		return nil, err
	}

	pw := &participantWriter{
		label:  label,
		writer: writer,
	}
	s.partWriters[participantID] = pw
	s.meta.AudioFiles.Participants = append(s.meta.AudioFiles.Participants, relPath)
	s.metrics.RecordParticipantWriter()

	s.logger.Info("Participant writer created",
		slog.String("participant_id", participantID),
		slog.String("label", label),
	)
	return pw, nil
}
