package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gowebpki/jcs"
)

// FileChange is a single file modification. Delete removes Path and ignores
// Content.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// GeneratedChange is the result of a capability provider invocation.
type GeneratedChange struct {
	Files         []FileChange `json:"files"`
	CommitMessage string       `json:"commit_message"`
}

// Validate checks the structural soundness of a change before it is published.
func (c *GeneratedChange) Validate() error {
	if c == nil {
		return errors.New("change is nil")
	}
	if len(c.Files) == 0 {
		return errors.New("change has no files")
	}
	if c.CommitMessage == "" {
		return errors.New("change has no commit message")
	}
	seen := make(map[string]struct{}, len(c.Files))
	for _, f := range c.Files {
		if f.Path == "" {
			return errors.New("file change has empty path")
		}
		if clean := path.Clean(f.Path); path.IsAbs(f.Path) || clean == ".." || strings.HasPrefix(clean, "../") ||
			clean == ".git" || strings.HasPrefix(clean, ".git/") {
			return fmt.Errorf("file change path %q escapes the repository", f.Path)
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("duplicate file change for %q", f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// Digest returns the hex SHA-256 of the RFC 8785 canonical JSON encoding of
// the change. Receipts carry the digest, never the content.
func (c *GeneratedChange) Digest() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal change: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize change: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
