package logging

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	err := errors.Wrap(errors.New("boom"), "wrapped")
	entry := WithStacktrace(logrus.NewEntry(logger), err)

	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])
}

func TestExtractStack_NoStack(t *testing.T) {
	assert.Nil(t, ExtractStack(assert.AnError))
}

func TestConfigureLogging(t *testing.T) {
	tests := map[string]struct {
		config      Config
		expectError bool
	}{
		"defaults":       {config: Config{}},
		"json":           {config: Config{Level: "debug", Format: FormatJson}},
		"bad level":      {config: Config{Level: "loud"}, expectError: true},
		"unknown format": {config: Config{Format: "xml"}, expectError: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(logLevelEnvVar, tc.config.Level)
			err := ConfigureLogging(tc.config)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
