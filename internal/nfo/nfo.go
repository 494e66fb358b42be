// Package nfo writes Kodi/Emby/Jellyfin-compatible sidecar files next to
// downloaded media so library scanners pick up titles and air dates
// without hitting the network.
package nfo

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"time"
)

type movie struct {
	XMLName   xml.Name `xml:"movie"`
	Title     string   `xml:"title"`
	SortTitle string   `xml:"sorttitle"`
	Plot      string   `xml:"plot"`
	Premiered string   `xml:"premiered"`
}

// Metadata is the subset of item information that ends up in the sidecar.
type Metadata struct {
	Title       string
	Description string
	Published   time.Time
}

// SidecarPath derives the .nfo path from a media file path.
func SidecarPath(mediaPath string) string {
	if idx := strings.LastIndex(mediaPath, "."); idx > strings.LastIndex(mediaPath, "/") {
		return mediaPath[:idx] + ".nfo"
	}
	return mediaPath + ".nfo"
}

// Write creates the sidecar for a downloaded media file. Callers treat
// failures as best effort: a missing sidecar never undoes a download.
func Write(mediaPath string, meta Metadata) error {
	premiered := meta.Published.Format("2006-01-02")
	doc := movie{
		Title:     meta.Title,
		SortTitle: fmt.Sprintf("%s - %s", premiered, meta.Title),
		Plot:      meta.Description,
		Premiered: premiered,
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling nfo: %w", err)
	}

	out := append([]byte(xml.Header), data...)
	out = append(out, '\n')

	path := SidecarPath(mediaPath)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing nfo %s: %w", path, err)
	}

	return nil
}
