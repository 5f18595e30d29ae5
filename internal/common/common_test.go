package common

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside", filepath.Join(base, "a.csv"), false},
		{"nested", filepath.Join(base, "sub", "b.csv"), false},
		{"base itself", base, false},
		{"parent", filepath.Join(base, ".."), true},
		{"traversal", filepath.Join(base, "..", "other", "c.csv"), true},
		{"sibling with common prefix", base + "-other", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePath(tt.path, base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(got))
		})
	}
}

func TestCleanPathMakesAbsolute(t *testing.T) {
	got, err := CleanPath("landing/./in.csv")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
	assert.Equal(t, "in.csv", filepath.Base(got))
}
