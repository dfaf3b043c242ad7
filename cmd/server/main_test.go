package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name       string
		fileName   string
		fileBody   string
		configBody string
		expected   string
	}{
		{"nothing", "", "", "", ""},
		{"body only", "", "", "port: 1", "port: 1"},
		{"body wins", "a.yaml", "port: 2", "port: 1", "port: 1"},
		{"file only", "b.yaml", "port: 2", "", "port: 2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			configFile := ""
			if tc.fileName != "" {
				configFile = filepath.Join(dir, tc.fileName)
				require.NoError(t, os.WriteFile(configFile, []byte(tc.fileBody), 0o644))
			}

			configBody, err := getConfigString(configFile, tc.configBody)
			require.NoError(t, err)
			require.Equal(t, tc.expected, configBody)
		})
	}
}

func TestShouldReturnErrorIfConfigFileDoesNotExist(t *testing.T) {
	configBody, err := getConfigString("notExistingFile", "")
	require.Error(t, err)
	require.Empty(t, configBody)
}
