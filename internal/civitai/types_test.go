package civitai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashMap_CanonicalizesKeys(t *testing.T) {
	var h HashMap
	err := json.Unmarshal([]byte(`{" sha256 ":" abc123 ","AutoV2":"def456"}`), &h)
	require.NoError(t, err)
	require.Equal(t, "abc123", h["SHA256"])
	require.Equal(t, "def456", h["AUTOV2"])
}

func TestPrimaryDigest_PrefersSHA256(t *testing.T) {
	h := HashMap{"AUTOV2": "aaa", "SHA256": "bbb", "CRC32": "ccc"}
	algo, digest, ok := h.PrimaryDigest()
	require.True(t, ok)
	require.Equal(t, "SHA256", algo)
	require.Equal(t, "bbb", digest)
}

func TestPrimaryDigest_FallsBackInOrder(t *testing.T) {
	h := HashMap{"CRC32": "ccc", "AUTOV2": "aaa"}
	algo, _, ok := h.PrimaryDigest()
	require.True(t, ok)
	require.Equal(t, "AUTOV2", algo, "ahead of CRC32 in the fallback order")
}

func TestPrimaryDigest_NoneRecognized(t *testing.T) {
	h := HashMap{"MD5": "zzz"}
	_, _, ok := h.PrimaryDigest()
	require.False(t, ok)
}

func TestFileUnmarshal_ResolvesFormat(t *testing.T) {
	var f File
	err := json.Unmarshal([]byte(`{"name":"model.safetensors","metadata":{"format":"SafeTensor"}}`), &f)
	require.NoError(t, err)
	require.Equal(t, FileFormatSafeTensor, f.Format)
}

func TestFileUnmarshal_UnknownFormatDefaultsToOther(t *testing.T) {
	var f File
	err := json.Unmarshal([]byte(`{"name":"model.bin","metadata":{"format":"SomeFutureFormat"}}`), &f)
	require.NoError(t, err)
	require.Equal(t, FileFormatOther, f.Format)
}
