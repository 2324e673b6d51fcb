package config_test

import (
	"bytes"
	"testing"

	"github.com/Kezak1/mirrormesh/internal/config"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func Test_Unit_Parse_Unset_Defaults_Success(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	var stderr bytes.Buffer

	cfg, _, err := config.Parse([]string{"mirrormesh"}, fsys, &stderr)
	require.NoError(t, err)

	require.Equal(t, 10_000, cfg.QueueCapacity)
	require.Equal(t, 4, cfg.CopyConcurrency)
	require.False(t, cfg.VerifyCopies)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.JSON)
}

func Test_Unit_Parse_FlagsOverrideDefaults(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	var stderr bytes.Buffer

	args := []string{
		"mirrormesh",
		"--queue-capacity=500",
		"--copy-concurrency=2",
		"--verify",
		"--log-level=debug",
		"--json",
	}

	cfg, _, err := config.Parse(args, fsys, &stderr)
	require.NoError(t, err)

	require.Equal(t, 500, cfg.QueueCapacity)
	require.Equal(t, 2, cfg.CopyConcurrency)
	require.True(t, cfg.VerifyCopies)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.JSON)
}

func Test_Unit_Parse_YamlFillsUnsetFlags(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	yamlBody := "queue-capacity: 250\nverify: true\nlog-level: warn\n"
	require.NoError(t, afero.WriteFile(fsys, "/cfg.yaml", []byte(yamlBody), 0o666))

	var stderr bytes.Buffer

	args := []string{"mirrormesh", "--config=/cfg.yaml"}
	cfg, _, err := config.Parse(args, fsys, &stderr)
	require.NoError(t, err)

	require.Equal(t, 250, cfg.QueueCapacity)
	require.True(t, cfg.VerifyCopies)
	require.Equal(t, "warn", cfg.LogLevel)
}

func Test_Unit_Parse_FlagOverridesYaml(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	yamlBody := "log-level: warn\n"
	require.NoError(t, afero.WriteFile(fsys, "/cfg.yaml", []byte(yamlBody), 0o666))

	var stderr bytes.Buffer

	args := []string{"mirrormesh", "--config=/cfg.yaml", "--log-level=error"}
	cfg, _, err := config.Parse(args, fsys, &stderr)
	require.NoError(t, err)

	require.Equal(t, "error", cfg.LogLevel)
}

func Test_Unit_Parse_MissingConfigFile_ReturnsError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	var stderr bytes.Buffer

	args := []string{"mirrormesh", "--config=/nope.yaml"}
	_, _, err := config.Parse(args, fsys, &stderr)
	require.ErrorIs(t, err, config.ErrConfigMissing)
}

func Test_Unit_Parse_MalformedYaml_ReturnsError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/cfg.yaml", []byte("unknown-field: true\n"), 0o666))

	var stderr bytes.Buffer

	args := []string{"mirrormesh", "--config=/cfg.yaml"}
	_, _, err := config.Parse(args, fsys, &stderr)
	require.ErrorIs(t, err, config.ErrConfigMalformed)
}

func Test_Unit_Parse_InvalidLogLevel_ReturnsError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	var stderr bytes.Buffer

	args := []string{"mirrormesh", "--log-level=verbose"}
	_, _, err := config.Parse(args, fsys, &stderr)
	require.ErrorIs(t, err, config.ErrInvalidLogLevel)
}

func Test_Unit_ParseLogLevel_KnownLevels(t *testing.T) {
	t.Parallel()

	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		_, err := config.ParseLogLevel(lvl)
		require.NoError(t, err)
	}
}
