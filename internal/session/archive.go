package session

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const manifestFileName = "archive.json"

// archiveTimestampLayout is the ISO-8601 UTC form with separators stripped.
const archiveTimestampLayout = "20060102T150405Z"

// ManifestFile is one entry in the archive manifest.
type ManifestFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Manifest is the archive.json document sealing a completed recording.
type Manifest struct {
	SessionID  string         `json:"sessionId"`
	MeetingURL string         `json:"meetingUrl,omitempty"`
	BotName    string         `json:"botName,omitempty"`
	StartedAt  string         `json:"startedAt"`
	ArchivedAt string         `json:"archivedAt"`
	Files      []ManifestFile `json:"files"`
}

// archive moves the live directory to the completed area and writes the
// manifest. Returns the archive directory and the manifest path.
func (s *Session) archive() (string, string, error) {
	completedRoot := filepath.Join(s.cfg.RecordingsRoot, "completed")
	if err := os.MkdirAll(completedRoot, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create completed directory: %w", err)
	}

	baseName := fmt.Sprintf("meeting_%s_%s_%s",
		archiveSlug(s.meta.MeetingURL),
		s.startWall.UTC().Format(archiveTimestampLayout),
		s.ShortID,
	)

	target, err := resolveArchiveDir(completedRoot, baseName)
	if err != nil {
		return "", "", err
	}

	if err := os.Rename(s.baseDir, target); err != nil {
		return "", "", fmt.Errorf("failed to move %s to %s: %w", s.baseDir, target, err)
	}

	manifestPath, err := s.writeManifest(target)
	if err != nil {
		return target, "", err
	}

	return target, manifestPath, nil
}

// resolveArchiveDir picks a non-existing directory name, suffixing _NN on
// collision.
func resolveArchiveDir(root, baseName string) (string, error) {
	target := filepath.Join(root, baseName)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return target, nil
	}

	for i := 1; i <= 99; i++ {
		candidate := filepath.Join(root, fmt.Sprintf("%s_%02d", baseName, i))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no free archive directory name for %s", baseName)
}

// writeManifest enumerates every file under the archive directory, sorted
// by relative path, and writes archive.json beside them.
func (s *Session) writeManifest(archiveDir string) (string, error) {
	var files []ManifestFile

	err := filepath.WalkDir(archiveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(archiveDir, path)
		if err != nil {
			return err
		}

		files = append(files, ManifestFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enumerate archive %s: %w", archiveDir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	manifest := Manifest{
		SessionID:  s.ID,
		MeetingURL: s.meta.MeetingURL,
		BotName:    s.meta.BotName,
		StartedAt:  s.meta.StartedAt,
		ArchivedAt: time.Now().UTC().Format(time.RFC3339),
		Files:      files,
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	manifestPath := filepath.Join(archiveDir, manifestFileName)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest %s: %w", manifestPath, err)
	}

	return manifestPath, nil
}
