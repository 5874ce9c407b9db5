package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/civitai-fetch/internal/civitai"
)

func TestBuildSummary_FieldMapping(t *testing.T) {
	model := civitai.Model{ID: 1, Name: "Great Checkpoint", Creator: civitai.Creator{Username: "alice"}, Type: civitai.ModelTypeCheckpoint, NSFW: true}
	version := civitai.Version{ID: 2, Name: "v1.0", BaseModel: "SDXL 1.0", TrainedWords: []string{"trigger1"}, DownloadCount: 42, Rating: 4.5, Description: "<p>hello</p>"}
	file := civitai.File{SizeKB: 1024, DownloadURL: "https://example.com/dl"}

	now := time.Now()
	s := BuildSummary(model, version, file, "deadbeef", now)

	require.Equal(t, "Great Checkpoint", s.Name)
	require.Equal(t, "alice", s.Creator)
	require.Equal(t, "SDXL 1.0", s.BaseModel)
	require.Equal(t, []string{"trigger1"}, s.TriggerWords)
	require.Equal(t, "deadbeef", s.PrimarySHA256)
	require.EqualValues(t, 1024*1024, s.FileSizeBytes)
	require.Equal(t, int64(42), s.DownloadCount)
	require.Equal(t, 1, s.NSFWLevel)
	require.Equal(t, "hello", s.Description)
}

func TestWrite_CreatesBothFilesAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "model-v1.safetensors")

	summary := Summary{Name: "n", FetchedAt: time.Now()}
	sidecar := SidecarInfo{ModelID: 1, VersionID: 2, Name: "n"}

	require.NoError(t, Write(dest, summary, sidecar))

	descBytes, err := os.ReadFile(filepath.Join(dir, "description.md"))
	require.NoError(t, err)
	require.Contains(t, string(descBytes), "# n")

	infoBytes, err := os.ReadFile(filepath.Join(dir, "model-v1.civitai.info"))
	require.NoError(t, err)
	var decoded SidecarInfo
	require.NoError(t, json.Unmarshal(infoBytes, &decoded))
	require.Equal(t, int64(1), decoded.ModelID)

	require.NoFileExists(t, filepath.Join(dir, "description.md.tmp"))
	require.NoFileExists(t, filepath.Join(dir, "model-v1.civitai.info.tmp"))
}
