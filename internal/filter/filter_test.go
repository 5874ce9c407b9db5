package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseModel_InactiveAdmitsEverything(t *testing.T) {
	f := New(nil)
	require.False(t, f.Active())
	require.True(t, f.Admit(""))
	require.True(t, f.Admit("Pony"))
}

func TestBaseModel_CaseInsensitiveSubstringMatch(t *testing.T) {
	f := New([]string{"SDXL"})
	require.True(t, f.Active())
	require.True(t, f.Admit("sdxl 1.0"))
	require.True(t, f.Admit("SDXL Turbo"))
	require.False(t, f.Admit("Pony Diffusion V6"))
}

func TestBaseModel_RejectsMissingBaseModelWhileActive(t *testing.T) {
	f := New([]string{"SDXL"})
	require.False(t, f.Admit(""))
}

func TestBaseModel_Stats(t *testing.T) {
	f := New([]string{"SDXL"})
	f.Admit("sdxl 1.0")
	f.Admit("pony")
	f.Admit("")

	stats := f.Stats()
	require.EqualValues(t, 1, stats.Accepted)
	require.EqualValues(t, 2, stats.Rejected)
}
