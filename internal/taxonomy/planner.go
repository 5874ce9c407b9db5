// Package taxonomy implements the Path Planner (C4): a deterministic
// mapping from (model, version, file) metadata to an on-disk destination,
// driven by a tag-category keyword table loaded from an embedded YAML asset
// rather than hardcoded, so operators can override it without a rebuild.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultCategoriesYAML []byte

// Category is one of the canonical classifications.
type Category string

const (
	CategoryConcept    Category = "CONCEPT"
	CategoryCharacter  Category = "CHARACTER"
	CategoryStyle      Category = "STYLE"
	CategoryPose       Category = "POSE"
	CategoryClothing   Category = "CLOTHING"
	CategoryObject     Category = "OBJECT"
	CategoryBackground Category = "BACKGROUND"
	CategoryAnimal     Category = "ANIMAL"
	CategoryVehicle    Category = "VEHICLE"
	CategoryMisc       Category = "MISC"
)

// Table is the tag-category keyword mapping. Matching is
// case-insensitive; exact tag match wins over substring match.
type Table map[Category][]string

// LoadDefault parses the embedded categories.yaml.
func LoadDefault() (Table, error) {
	return Load(defaultCategoriesYAML)
}

// LoadFile reads an operator-supplied override of the keyword table.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: reading %s: %w", path, err)
	}
	return Load(data)
}

// Load parses a categories.yaml document into a Table.
func Load(data []byte) (Table, error) {
	raw := map[string][]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("taxonomy: parsing category table: %w", err)
	}
	t := make(Table, len(raw))
	for k, v := range raw {
		t[Category(strings.ToUpper(k))] = v
	}
	return t, nil
}

// Classify returns the tag category for a model's tag set: exact
// match against the tag set wins; otherwise substring match of any
// keyword within any tag; otherwise MISC.
func (t Table) Classify(tags []string) Category {
	lowerTags := make([]string, len(tags))
	for i, tag := range tags {
		lowerTags[i] = strings.ToLower(strings.TrimSpace(tag))
	}

	for _, cat := range orderedCategories {
		for _, kw := range t[cat] {
			kw = strings.ToLower(kw)
			for _, tag := range lowerTags {
				if tag == kw {
					return cat
				}
			}
		}
	}

	for _, cat := range orderedCategories {
		for _, kw := range t[cat] {
			kw = strings.ToLower(kw)
			for _, tag := range lowerTags {
				if strings.Contains(tag, kw) {
					return cat
				}
			}
		}
	}

	return CategoryMisc
}

// orderedCategories fixes iteration order so Classify is deterministic
// even though Table is a map.
var orderedCategories = []Category{
	CategoryConcept, CategoryCharacter, CategoryStyle, CategoryPose,
	CategoryClothing, CategoryObject, CategoryBackground, CategoryAnimal,
	CategoryVehicle,
}

// Destination describes where a model version's artifacts live.
type Destination struct {
	Dir      string
	Category Category
}

// sanitizeRE strips reserved Windows/NTFS path characters and control bytes
// so a segment is a valid path component on every target filesystem.
var sanitizeRE = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// Sanitize cleans a single path segment: replace reserved characters with
// `_`, trim leading/trailing whitespace and dots, and truncate to 200
// characters while preserving the extension.
func Sanitize(segment string) string {
	cleaned := sanitizeRE.ReplaceAllString(segment, "_")
	cleaned = strings.Trim(cleaned, " .")
	if cleaned == "" {
		cleaned = "_"
	}
	const maxLen = 200
	if len(cleaned) <= maxLen {
		return cleaned
	}
	ext := filepath.Ext(cleaned)
	stem := strings.TrimSuffix(cleaned, ext)
	if len(ext) >= maxLen {
		return cleaned[:maxLen]
	}
	keep := maxLen - len(ext)
	if keep > len(stem) {
		keep = len(stem)
	}
	return stem[:keep] + ext
}

// VersionDir computes <root>/models/<base_model>/<tag_category>/<creator>_<model>_<version>/.
func (t Table) VersionDir(root, baseModel string, tags []string, creator, modelName, versionName string) Destination {
	cat := t.Classify(tags)
	dirName := fmt.Sprintf("%s_%s_%s", Sanitize(creator), Sanitize(modelName), Sanitize(versionName))
	return Destination{
		Dir:      filepath.Join(root, "models", Sanitize(baseModel), string(cat), dirName),
		Category: cat,
	}
}

// ImageDir computes <root>/images/<creator>/ for unattached user images.
func ImageDir(root, creator string) string {
	return filepath.Join(root, "images", Sanitize(creator))
}

// PrimaryFileName returns the exact remote file name, sanitized.
func PrimaryFileName(remoteName string) string {
	return Sanitize(remoteName)
}

// InfoFileName returns <stem>.civitai.info for the raw metadata snapshot.
func InfoFileName(primaryName string) string {
	ext := filepath.Ext(primaryName)
	stem := strings.TrimSuffix(primaryName, ext)
	return stem + ".civitai.info"
}

// SummaryFileName is always description.md.
const SummaryFileName = "description.md"

// PreviewFileName returns <stem>.preview[.N].<ext> where N is empty for
// the first (index 0) preview and 2-indexed afterward.
func PreviewFileName(primaryName string, index int, previewExt string) string {
	ext := filepath.Ext(primaryName)
	stem := strings.TrimSuffix(primaryName, ext)
	if previewExt == "" {
		previewExt = ext
	}
	if index == 0 {
		return stem + ".preview" + previewExt
	}
	return stem + ".preview." + strconv.Itoa(index+1) + previewExt
}

// GalleryFileName returns Gallery/<image-id>.<ext> relative to the
// version directory.
func GalleryFileName(imageID int64, ext string) string {
	return filepath.Join("Gallery", fmt.Sprintf("%d%s", imageID, ext))
}

// FindAvailablePath appends a numeric disambiguator when basePath already
// exists, so two distinct remote files never collide on one destination.
func FindAvailablePath(basePath string) string {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}
	ext := filepath.Ext(basePath)
	dir := filepath.Dir(basePath)
	name := strings.TrimSuffix(filepath.Base(basePath), ext)
	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", name, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", name, os.Getpid(), ext))
}
