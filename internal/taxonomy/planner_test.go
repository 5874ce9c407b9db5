package taxonomy

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_ExactMatchWinsOverSubstring(t *testing.T) {
	table, err := LoadDefault()
	require.NoError(t, err)

	require.Equal(t, CategoryCharacter, table.Classify([]string{"character"}))
	require.Equal(t, CategoryPose, table.Classify([]string{"dynamic posing reference"}))
	require.Equal(t, CategoryMisc, table.Classify([]string{"totally unrelated tag"}))
}

func TestClassify_Deterministic(t *testing.T) {
	table, err := LoadDefault()
	require.NoError(t, err)
	tags := []string{"outfit", "fantasy"}
	first := table.Classify(tags)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, table.Classify(tags))
	}
}

func TestSanitize_ReplacesReservedChars(t *testing.T) {
	require.Equal(t, "a_b_c", Sanitize(`a<b>c`))
	require.Equal(t, "trimmed", Sanitize("  trimmed.. "))
}

func TestSanitize_TruncatesPreservingExtension(t *testing.T) {
	long := strings.Repeat("a", 300) + ".safetensors"
	out := Sanitize(long)
	require.LessOrEqual(t, len(out), 200)
	require.True(t, strings.HasSuffix(out, ".safetensors"))
}

func TestPreviewFileName_IndexingConvention(t *testing.T) {
	require.Equal(t, "model.preview.png", PreviewFileName("model.safetensors", 0, ".png"))
	require.Equal(t, "model.preview.2.png", PreviewFileName("model.safetensors", 1, ".png"))
	require.Equal(t, "model.preview.3.png", PreviewFileName("model.safetensors", 2, ".png"))
}

func TestVersionDir_Shape(t *testing.T) {
	table, err := LoadDefault()
	require.NoError(t, err)
	dest := table.VersionDir("/root", "SDXL 1.0", []string{"character"}, "alice", "CoolModel", "v1")
	require.Equal(t, CategoryCharacter, dest.Category)
	require.Equal(t, filepath.Join("/root", "models", "SDXL 1.0", "CHARACTER", "alice_CoolModel_v1"), dest.Dir)
}

func TestGalleryFileName(t *testing.T) {
	require.Equal(t, filepath.Join("Gallery", "42.png"), GalleryFileName(42, ".png"))
}
