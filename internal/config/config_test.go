package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLines_IgnoresBlankAndCommentLines(t *testing.T) {
	input := "alice\n\n# a comment\nbob\n  \nmodels/12345-some-cool-lora\n"
	got, err := ParseLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "models/12345-some-cool-lora"}, got)
}

func TestParseLines_StripsURLsToHandle(t *testing.T) {
	got, err := ParseLines(strings.NewReader("https://civitai.com/user/someartist\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"someartist"}, got)
}

func TestParseFilterList_IgnoresComments(t *testing.T) {
	got, err := ParseFilterList(strings.NewReader("SD 1.5\n# not this one\nSDXL 1.0\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"SD 1.5", "SDXL 1.0"}, got)
}

func TestParseModelID_AcceptsBareIntOrURL(t *testing.T) {
	id, err := ParseModelID("12345")
	require.NoError(t, err)
	require.EqualValues(t, 12345, id)

	id, err = ParseModelID("https://civitai.com/models/987-some-slug")
	require.NoError(t, err)
	require.EqualValues(t, 987, id)

	_, err = ParseModelID("not-a-model")
	require.Error(t, err)
}

func TestValidate_RejectsEmptyInputs(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.Inputs.Users = []string{"alice"}
	require.NoError(t, cfg.Validate())
}

func TestPipelinePermits_CollapseWhenSequential(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentDownloads = 4
	cfg.ParallelMode = false

	require.Equal(t, 1, cfg.ModelPipelinePermits())
	require.Equal(t, 1, cfg.ImagePipelinePermits())

	cfg.ParallelMode = true
	require.Equal(t, 4, cfg.ModelPipelinePermits())
	require.Equal(t, 8, cfg.ImagePipelinePermits())
}

func TestRoot_HonorsTestMode(t *testing.T) {
	cfg := Default()
	cfg.OutputRoot = "/custom/path"
	require.Equal(t, "/custom/path", cfg.Root())

	cfg.TestMode = true
	require.Equal(t, "./test_downloads", cfg.Root())
}
