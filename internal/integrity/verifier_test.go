package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamHasher_MatchesSHA256(t *testing.T) {
	content := []byte("hello world")
	expected := sha256.Sum256(content)
	expectedStr := hex.EncodeToString(expected[:])

	hasher := NewStreamHasher()
	for _, chunk := range [][]byte{content[:5], content[5:]} {
		n, err := hasher.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}

	require.True(t, Compare(hasher.Sum(), expectedStr))
}

func TestCompare_CaseInsensitive(t *testing.T) {
	require.True(t, Compare("ABCDEF", "abcdef"))
	require.False(t, Compare("abcdef", "abcdeg"))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	expected := sha256.Sum256(content)
	digest, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(expected[:]), digest)
}

func TestVerifier_QuarantineThreeStrikes(t *testing.T) {
	root := t.TempDir()
	v := NewVerifier(root)
	taskID := "task-1"

	for i := 0; i < 3; i++ {
		tmp := filepath.Join(root, "scratch.tmp")
		require.NoError(t, os.WriteFile(tmp, []byte("bad"), 0o644))
		require.Equal(t, i, v.StrikeCount(taskID))
		_, err := v.Quarantine(taskID, tmp)
		require.NoError(t, err)
	}

	require.Equal(t, 3, v.StrikeCount(taskID))
	entries, err := os.ReadDir(filepath.Join(root, "corrupted", taskID))
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
