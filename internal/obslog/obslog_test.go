package obslog

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestInit_SetsGlobalLevel(t *testing.T) {
	Init("debug", false)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Init("error", false)
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}

func TestL_ScopesComponentField(t *testing.T) {
	var buf bytes.Buffer
	prior := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prior }()

	L("scheduler").Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"scheduler"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
