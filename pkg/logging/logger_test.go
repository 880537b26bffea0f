package logging

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {

	logger := NewLogger(slog.LevelDebug, nil)

	logger.Info("info test")
	logger.Warn("warn test")
	logger.Debug("debug test")
	logger.Trace("trace test")
}

func TestError(t *testing.T) {

	logger := NewLogger(slog.LevelDebug, nil)

	err := errors.New("an error occurred")

	logger.Info("info test")
	logger.Warn("warn test")
	logger.Error(err)
	logger.MaybeError(err)
	logger.Debug("debug test")
}

func TestLogFileReceivesJSON(t *testing.T) {

	fs := afero.NewMemMapFs()
	logFile, err := fs.Create("/var/log/tpm.log")
	require.NoError(t, err)

	logger := NewLogger(slog.LevelInfo, logFile)
	logger.Info("tpm: opened", slog.String("device", "/dev/tpmrm0"))
	logger.Debug("tpm: filtered out")
	require.NoError(t, logFile.Close())

	data, err := afero.ReadFile(fs, "/var/log/tpm.log")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "tpm: opened", record["msg"])
	assert.Equal(t, "/dev/tpmrm0", record["device"])
}

func TestSecurityLevelName(t *testing.T) {

	fs := afero.NewMemMapFs()
	logFile, err := fs.Create("security.log")
	require.NoError(t, err)

	logger := NewLogger(slog.LevelInfo, logFile)
	logger.Security(SecurityLogEntry{
		Severity:    SeverityHigh,
		Category:    CategorySystemIntegrity,
		Description: "platform hierarchy disabled",
		Source:      SourceTPM,
	})
	require.NoError(t, logFile.Close())

	data, err := afero.ReadFile(fs, "security.log")
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "SECURITY", record["level"])
	assert.Equal(t, "platform hierarchy disabled", record["description"])
	assert.NotEmpty(t, record["timestamp"])
}

func TestWithAddsAttributes(t *testing.T) {

	fs := afero.NewMemMapFs()
	logFile, err := fs.Create("with.log")
	require.NoError(t, err)

	logger := NewLogger(slog.LevelInfo, logFile).With("bringup", "abc")
	logger.Infof("step %d complete", 2)
	require.NoError(t, logFile.Close())

	data, err := afero.ReadFile(fs, "with.log")
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "abc", record["bringup"])
	assert.Equal(t, "step 2 complete", record["msg"])
}
