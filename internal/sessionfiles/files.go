// Package sessionfiles stores blob attachments on disk, one directory per
// session. Files are content-addressed so re-uploading the same attachment is
// a no-op, and deleting a session removes its whole directory.
package sessionfiles

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// addressLen is the number of hex digest characters used in filenames. A
// 16-byte prefix of SHA-256 is far beyond collision range for per-session
// attachment counts.
const addressLen = 32

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store writes and reads per-session attachment files under a base directory.
type Store struct {
	base string
}

func NewStore(base string) (*Store, error) {
	if base == "" {
		return nil, fmt.Errorf("sessionfiles: base directory not configured")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("sessionfiles: create base directory: %w", err)
	}
	return &Store{base: base}, nil
}

// Save writes data for the session and returns the generated filename. The
// name is derived from the content digest plus a MIME extension, so saving
// identical bytes twice yields the same name and a single file on disk.
func (s *Store) Save(sessionID string, data []byte, mimeType string) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sessionfiles: create session directory: %w", err)
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])[:addressLen] + extensionForMime(mimeType)
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		return name, nil
	}

	// Temp file plus rename keeps partially written attachments invisible.
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("sessionfiles: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sessionfiles: write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sessionfiles: close attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sessionfiles: rename attachment: %w", err)
	}
	return name, nil
}

// SaveDataURL decodes a data: URL and stores its payload.
func (s *Store) SaveDataURL(sessionID, dataURL string) (string, error) {
	mimeType, payload, err := decodeDataURL(dataURL)
	if err != nil {
		return "", err
	}
	return s.Save(sessionID, payload, mimeType)
}

// Read returns the content of a previously saved attachment.
func (s *Store) Read(sessionID, name string) ([]byte, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("sessionfiles: invalid attachment name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("sessionfiles: read attachment: %w", err)
	}
	return data, nil
}

// List returns the attachment filenames for a session in lexical order.
func (s *Store) List(sessionID string) ([]string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionfiles: list attachments: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// DeleteSession removes the session's attachment directory. Missing
// directories are not an error so delete cascades stay idempotent.
func (s *Store) DeleteSession(sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("sessionfiles: delete session directory: %w", err)
	}
	return nil
}

func (s *Store) sessionDir(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", fmt.Errorf("sessionfiles: invalid session id %q", sessionID)
	}
	return filepath.Join(s.base, sessionID), nil
}

func decodeDataURL(dataURL string) (mimeType string, payload []byte, err error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("sessionfiles: not a data URL")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("sessionfiles: malformed data URL")
	}
	mimeType = strings.TrimSuffix(meta, ";base64")
	if strings.HasSuffix(meta, ";base64") {
		payload, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", nil, fmt.Errorf("sessionfiles: decode data URL: %w", err)
		}
		return mimeType, payload, nil
	}
	return mimeType, []byte(encoded), nil
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	default:
		return ".dat"
	}
}
