package models

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// VideoRecord is a video discovered under the video root, keyed by content identifier.
type VideoRecord struct {
	VideoID   string     `json:"videoId"`
	Extension string     `json:"extension"`
	Path      string     `json:"path"`
	Available bool       `json:"available"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	OwnerID   *int64     `json:"ownerId,omitempty"`
	GameID    *int64     `json:"gameId,omitempty"`
	FolderID  *int64     `json:"folderId,omitempty"`
}

// LinkName returns the file name of the record's link in the served directory.
func (v *VideoRecord) LinkName() string {
	return v.VideoID + v.Extension
}

// Stem returns the file name of the original path without its extension.
func (v *VideoRecord) Stem() string {
	base := filepath.Base(v.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FolderName returns the name of the directory holding the original file,
// or an empty string for files at the top of the video root.
func (v *VideoRecord) FolderName() string {
	dir := filepath.Base(filepath.Dir(v.Path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

// VideoMetadata holds probed and descriptive attributes of a video.
type VideoMetadata struct {
	VideoID     string          `json:"videoId"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Private     bool            `json:"private"`
	Duration    float64         `json:"duration"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Info        json.RawMessage `json:"info,omitempty"`
}

// Probed reports whether metadata sync has stored prober output.
func (m *VideoMetadata) Probed() bool {
	return len(m.Info) > 0
}

// Game is a find-or-create category attached to videos.
type Game struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Tag is a find-or-create label attached to videos.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

var slugSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify normalizes a game or tag name into its lookup key.
func Slugify(name string) string {
	s := slugSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// IngestHints carries optional categorization supplied with a single-file ingest.
type IngestHints struct {
	Game    string   `json:"game,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	OwnerID *int64   `json:"ownerId,omitempty"`
}

// ParseTags splits a comma separated tag list, dropping blanks.
func ParseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
