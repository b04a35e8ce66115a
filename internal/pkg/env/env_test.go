package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"WORKERS":   "5",
		"BAD_INT":   "five",
		"ENABLED":   "true",
		"BAD_BOOL":  "sometimes",
		"AGE":       "90m",
		"BAD_AGE":   "soon",
		"EMPTY_INT": "",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 5, GetEnvInt("WORKERS", 3))
	assert.Equal(t, 3, GetEnvInt("BAD_INT", 3))
	assert.Equal(t, 3, GetEnvInt("EMPTY_INT", 3))
	assert.Equal(t, 7, GetEnvInt("MISSING_INT_KEY_FOR_TEST", 7))

	assert.True(t, GetEnvBool("ENABLED", false))
	assert.False(t, GetEnvBool("BAD_BOOL", false))

	assert.Equal(t, 90*time.Minute, GetEnvDuration("AGE", time.Hour))
	assert.Equal(t, time.Hour, GetEnvDuration("BAD_AGE", time.Hour))
}

func TestGetEnvFallsBackToProcessEnvironment(t *testing.T) {
	Env = map[string]string{}
	t.Cleanup(func() { Env = nil })
	t.Setenv("HANGARLEDGER_TEST_KEY", "from-os")

	assert.Equal(t, "from-os", GetEnv("HANGARLEDGER_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("HANGARLEDGER_UNSET_KEY", "def"))
}
