package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// Close terminates the session: flushes telemetry, finalises every
// container file, writes the summary, and promotes the live directory to
// the completed area. Close is idempotent; the first reason wins.
func (s *Session) Close(reason string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason, cause)
}

func (s *Session) closeLocked(reason string, cause error) {
	if s.closed {
		return
	}
	s.closed = true

	durationMs := time.Since(s.startMono).Milliseconds()
	idleMs := time.Since(s.lastFrame).Milliseconds()

	s.logger.Info("Closing session",
		slog.String("reason", reason),
		slog.Int64("duration_ms", durationMs),
		slog.Int64("idle_ms", idleMs),
	)

	if s.connCloser != nil {
		if err := s.connCloser(); err != nil {
			s.logger.Debug("Error closing connection", slog.String("error", err.Error()))
		}
	}

	// Buffered audio that never saw a format descriptor is lost; say so.
	if s.pendingMixedBytes > 0 || s.pendingPartBytes > 0 {
		s.logger.Warn("Discarding buffered audio, no format descriptor arrived",
			slog.Int("mixed_bytes", s.pendingMixedBytes),
			slog.Int("participant_bytes", s.pendingPartBytes),
		)
		s.pendingMixed = nil
		s.pendingPart = nil
		s.pendingPartOrder = nil
	}

	if err := s.telemetry.Flush(); err != nil {
		s.logger.Error("Failed to flush telemetry", slog.String("error", err.Error()))
	}
	if err := s.telemetryFile.Close(); err != nil {
		s.logger.Error("Failed to close telemetry", slog.String("error", err.Error()))
	}

	s.closeWriters()

	summary := Summary{
		SessionID:         s.ID,
		Reason:            reason,
		DurationMs:        durationMs,
		IdleMsBeforeClose: idleMs,
		Stats:             s.stats,
		Metadata:          s.meta,
	}
	if cause != nil {
		summary.Error = cause.Error()
	}

	if err := writeSummary(s.baseDir, &summary); err != nil {
		s.logger.Error("Failed to write session summary", slog.String("error", err.Error()))
		// The live directory stays behind for offline recovery.
		s.finish(reason, durationMs)
		return
	}

	archiveDir, manifestPath, err := s.archive()
	if err != nil {
		s.logger.Error("Archive failed, recording left for offline recovery",
			slog.String("error", err.Error()),
		)
		s.metrics.RecordArchive(false)
		s.finish(reason, durationMs)
		return
	}

	s.meta.ArchivePath = archiveDir
	s.meta.ManifestPath = manifestPath
	summary.Metadata = s.meta
	summary.ArchivePath = archiveDir
	summary.ManifestPath = manifestPath
	if err := writeSummary(archiveDir, &summary); err != nil {
		s.logger.Error("Failed to rewrite archived summary", slog.String("error", err.Error()))
	}

	s.metrics.RecordArchive(true)
	s.logger.Info("Session archived", slog.String("archive_dir", archiveDir))

	if s.onArchived != nil {
		// Detached: pipeline failures never affect the terminal state.
		go s.onArchived(archiveDir)
	}

	s.finish(reason, durationMs)
}

// closeWriters finalises all container files in parallel so one slow or
// failing header rewrite does not hold up the rest.
func (s *Session) closeWriters() {
	var g errgroup.Group

	if s.mixedWriter != nil {
		w := s.mixedWriter
		g.Go(func() error {
			if err := w.Close(); err != nil {
				s.logger.Error("Failed to finalise mixed audio",
					slog.String("file", w.Path()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	for _, pw := range s.partWriters {
		w := pw.writer
		label := pw.label
		g.Go(func() error {
			if err := w.Close(); err != nil {
				s.logger.Error("Failed to finalise participant audio",
					slog.String("label", label),
					slog.String("file", w.Path()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	// Errors are absorbed per writer; Wait only synchronises.
	_ = g.Wait()
}

func (s *Session) finish(reason string, durationMs int64) {
	s.metrics.RecordSessionClosed(reason, float64(durationMs)/1000)
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// writeSummary writes session-summary.json into dir, retrying once on
// failure.
func writeSummary(dir string, summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session summary: %w", err)
	}

	path := filepath.Join(dir, summaryFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		if retryErr := os.WriteFile(path, data, 0o644); retryErr != nil {
			return fmt.Errorf("failed to write session summary %s: %w", path, retryErr)
		}
	}
	return nil
}
