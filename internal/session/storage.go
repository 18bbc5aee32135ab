package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	audioExt   = ".wav"
	captionExt = ".txt"

	InputAudioName = "input.wav"
)

// Storage lays out per-session areas under a root directory.
type Storage struct {
	root string
}

func NewStorage(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Storage{root: root}, nil
}

func (s *Storage) Root() string { return s.root }

func (s *Storage) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Storage) Create(sessionID string) error {
	if err := os.MkdirAll(s.Dir(sessionID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

func (s *Storage) Remove(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id")
	}
	return os.RemoveAll(s.Dir(sessionID))
}

// InputPath is where an uploaded audio prompt is saved.
func (s *Storage) InputPath(sessionID string) string {
	return filepath.Join(s.Dir(sessionID), InputAudioName)
}

// ArtifactKey names the sidecar pair for one sequence number.
func (s *Storage) ArtifactKey(sessionID string, seq int) string {
	return filepath.Join(s.Dir(sessionID), fmt.Sprintf("output-%d-%s", seq, sessionID))
}

// WriteArtifact persists the audio and the newline-joined captions. Files are written under
// a temporary name and renamed so readers never observe partial content.
func (s *Storage) WriteArtifact(key string, audio []byte, captions []string) error {
	if err := writeFileAtomic(key+audioExt, audio); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if err := writeFileAtomic(key+captionExt, []byte(strings.Join(captions, "\n"))); err != nil {
		return fmt.Errorf("write captions: %w", err)
	}
	return nil
}

// ReadArtifact loads a pair written by WriteArtifact.
func (s *Storage) ReadArtifact(key string) ([]byte, string, error) {
	audio, err := os.ReadFile(key + audioExt)
	if err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	captions, err := os.ReadFile(key + captionExt)
	if err != nil {
		return nil, "", fmt.Errorf("read captions: %w", err)
	}
	return audio, string(captions), nil
}

// Purge removes every session area under the root.
func (s *Storage) Purge() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
