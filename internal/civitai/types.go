// Package civitai defines the wire data model for the model-hosting API
// this engine pulls from: models, versions, files and preview/gallery
// images, plus the tolerant JSON decoding helpers used across the engine.
package civitai

import (
	"encoding/json"
	"strings"
)

// ModelType enumerates the kinds of artifact a Model can be.
type ModelType string

const (
	ModelTypeCheckpoint        ModelType = "Checkpoint"
	ModelTypeTextualInversion  ModelType = "TextualInversion"
	ModelTypeHypernetwork      ModelType = "Hypernetwork"
	ModelTypeAestheticGradient ModelType = "AestheticGradient"
	ModelTypeLoRA              ModelType = "LORA"
	ModelTypeControlNet        ModelType = "Controlnet"
	ModelTypePose              ModelType = "Poses"
)

// ModelMode reflects the publication state of a Model.
type ModelMode string

const (
	ModelModeActive    ModelMode = "Active"
	ModelModeArchived  ModelMode = "Archived"
	ModelModeTakenDown ModelMode = "TakenDown"
)

// FileFormat enumerates the on-disk serialization of a model File.
type FileFormat string

const (
	FileFormatSafeTensor   FileFormat = "SafeTensor"
	FileFormatPickleTensor FileFormat = "PickleTensor"
	FileFormatOther        FileFormat = "Other"
)

// Model is the tolerant decode target for a remote model record. Mandatory
// fields are typed; fields the server sends beyond these are dropped on
// decode. Raw is excluded from JSON decoding and is left empty, so the
// .civitai.info sidecar is built from the typed fields only and does not
// carry the server's record through unchanged.
type Model struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Creator  Creator         `json:"creator"`
	Type     ModelType       `json:"type"`
	NSFW     bool            `json:"nsfw"`
	Tags     []string        `json:"tags"`
	Mode     ModelMode       `json:"mode"`
	Versions []Version       `json:"modelVersions"`
	Raw      json.RawMessage `json:"-"`
}

// Creator identifies the uploading user/handle.
type Creator struct {
	Username string `json:"username"`
}

// Version is one trained revision of a Model.
type Version struct {
	ID            int64           `json:"id"`
	ModelID       int64           `json:"modelId"`
	Name          string          `json:"name"`
	BaseModel     string          `json:"baseModel"`
	TrainedWords  []string        `json:"trainedWords"`
	Files         []File          `json:"files"`
	Images        []Image         `json:"images"`
	DownloadURL   string          `json:"downloadUrl"`
	DownloadCount int64           `json:"downloadCount"`
	Rating        float64         `json:"rating"`
	Description   string          `json:"description"`
	Raw           json.RawMessage `json:"-"`
}

// File is a single downloadable artifact belonging to a Version.
type File struct {
	Name        string      `json:"name"`
	SizeKB      float64     `json:"sizeKB"`
	Hashes      HashMap     `json:"hashes"`
	Primary     bool        `json:"primary"`
	Format      FileFormat  `json:"-"`
	Metadata    FileMetadata `json:"metadata"`
	DownloadURL string      `json:"downloadUrl"`
}

// FileMetadata carries the server's declared format, used to populate
// File.Format via UnmarshalJSON on File.
type FileMetadata struct {
	Format string `json:"format"`
}

// Image is a preview or gallery image attached to a Version, or a bare user
// image when unattached to any model.
type Image struct {
	ID         int64           `json:"id"`
	URL        string          `json:"url"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	NSFWLevel  int             `json:"nsfwLevel"`
	Blurhash   string          `json:"hash"`
	Meta       json.RawMessage `json:"meta"`
	CreatorID  int64           `json:"-"`
	ModelID    int64           `json:"-"`
}

// HashMap is the server's duck-typed {algo: digest} object, keyed by
// canonical (uppercased, whitespace-stripped) algorithm name.
type HashMap map[string]string

// UnmarshalJSON canonicalizes keys as they come off the wire.
func (h *HashMap) UnmarshalJSON(data []byte) error {
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(HashMap, len(raw))
	for k, v := range raw {
		out[canonicalAlgo(k)] = strings.TrimSpace(v)
	}
	*h = out
	return nil
}

func canonicalAlgo(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// hashFallbackOrder is consulted when SHA256 is absent.
var hashFallbackOrder = []string{"SHA256", "BLAKE3", "AUTOV2", "CRC32", "SHA1"}

// PrimaryDigest returns the best available (algorithm, digest) pair
// following the documented fallback order, or ("", "", false) if the file
// carries no recognized hash at all.
func (h HashMap) PrimaryDigest() (algo, digest string, ok bool) {
	for _, candidate := range hashFallbackOrder {
		if d, present := h[candidate]; present && d != "" {
			return candidate, d, true
		}
	}
	return "", "", false
}

// UnmarshalJSON on File resolves Format from the nested metadata.format
// string, defaulting to FileFormatOther on anything unrecognized so a
// malformed/unknown format never aborts decoding.
func (f *File) UnmarshalJSON(data []byte) error {
	type alias File
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = File(a)
	switch strings.ToLower(f.Metadata.Format) {
	case "safetensor":
		f.Format = FileFormatSafeTensor
	case "pickletensor", "pickle":
		f.Format = FileFormatPickleTensor
	default:
		f.Format = FileFormatOther
	}
	return nil
}
