// Package metadata implements the Metadata Materializer (C5): once a
// version's files are fetched, write a human-readable description.md and a
// machine-readable <stem>.civitai.info sidecar next to the downloaded file.
// Writes use the write-to-.tmp-then-rename idiom so a crash mid-write
// never leaves a partial sidecar file in place.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tachyon-labs/civitai-fetch/internal/civitai"
)

// Summary is the full set of fields requires in description.md.
type Summary struct {
	Name             string
	Creator          string
	Type             civitai.ModelType
	BaseModel        string
	TriggerWords     []string
	PrimarySHA256    string
	FileSizeBytes    int64
	VersionName      string
	DownloadCount    int64
	Rating           float64
	NSFWLevel        int
	Description      string
	FetchedAt        time.Time
	DownloadURL      string
	WebURL           string
}

// SidecarInfo is the JSON shape written to <stem>.civitai.info, the
// machine-readable counterpart to description.md.
type SidecarInfo struct {
	ModelID      int64             `json:"modelId"`
	VersionID    int64             `json:"versionId"`
	Name         string            `json:"name"`
	VersionName  string            `json:"versionName"`
	BaseModel    string            `json:"baseModel"`
	Type         civitai.ModelType `json:"type"`
	TriggerWords []string          `json:"triggerWords"`
	Hashes       civitai.HashMap   `json:"hashes"`
	FileSizeKB   float64           `json:"fileSizeKB"`
	FetchedAt    time.Time         `json:"fetchedAt"`
	DownloadURL  string            `json:"downloadUrl"`
	WebURL       string            `json:"webUrl"`
}

// BuildSummary assembles a Summary from the fetched model/version/file
// payloads. primaryDigest is the file's resolved SHA-256.
func BuildSummary(model civitai.Model, version civitai.Version, file civitai.File, primaryDigest string, fetchedAt time.Time) Summary {
	nsfwLevel := 0
	if model.NSFW {
		nsfwLevel = 1
	}
	return Summary{
		Name:          model.Name,
		Creator:       model.Creator.Username,
		Type:          model.Type,
		BaseModel:     version.BaseModel,
		TriggerWords:  version.TrainedWords,
		PrimarySHA256: primaryDigest,
		FileSizeBytes: int64(file.SizeKB * 1024),
		VersionName:   version.Name,
		DownloadCount: version.DownloadCount,
		Rating:        version.Rating,
		NSFWLevel:     nsfwLevel,
		Description:   strings.TrimSpace(stripHTML(version.Description)),
		FetchedAt:     fetchedAt,
		DownloadURL:   file.DownloadURL,
		WebURL:        fmt.Sprintf("https://civitai.com/models/%d?modelVersionId=%d", model.ID, version.ID),
	}
}

// Write emits description.md and <stem>.civitai.info beside destPath,
// atomically (write to a .tmp sibling, then rename).
func Write(destPath string, summary Summary, sidecar SidecarInfo) error {
	dir := filepath.Dir(destPath)
	stem := strings.TrimSuffix(filepath.Base(destPath), filepath.Ext(destPath))

	descPath := filepath.Join(dir, "description.md")
	if err := atomicWrite(descPath, []byte(renderDescription(summary))); err != nil {
		return fmt.Errorf("write description.md: %w", err)
	}

	infoPath := filepath.Join(dir, stem+".civitai.info")
	body, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := atomicWrite(infoPath, body); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(infoPath), err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func renderDescription(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Name)
	fmt.Fprintf(&b, "- Creator: %s\n", s.Creator)
	fmt.Fprintf(&b, "- Type: %s\n", s.Type)
	fmt.Fprintf(&b, "- Base model: %s\n", s.BaseModel)
	if len(s.TriggerWords) > 0 {
		fmt.Fprintf(&b, "- Trigger words: %s\n", strings.Join(s.TriggerWords, ", "))
	}
	fmt.Fprintf(&b, "- SHA-256: %s\n", s.PrimarySHA256)
	fmt.Fprintf(&b, "- File size: %s\n", humanize.Bytes(uint64(s.FileSizeBytes)))
	fmt.Fprintf(&b, "- Version: %s\n", s.VersionName)
	fmt.Fprintf(&b, "- Downloads: %s\n", humanize.Comma(s.DownloadCount))
	fmt.Fprintf(&b, "- Rating: %.2f\n", s.Rating)
	fmt.Fprintf(&b, "- NSFW level: %d\n", s.NSFWLevel)
	fmt.Fprintf(&b, "- Fetched: %s\n", s.FetchedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Download URL: %s\n", s.DownloadURL)
	fmt.Fprintf(&b, "- Web URL: %s\n", s.WebURL)
	if s.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Description)
	}
	return b.String()
}

// stripHTML removes the small set of tags civitai descriptions commonly use
// so description.md stays readable as plain markdown-ish text. Not a full
// HTML parser by design: descriptions are simple rich text, not arbitrary
// markup, and a dependency-free pass keeps this materializer free of an
// HTML parsing library the rest of the corpus never reaches for either.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
