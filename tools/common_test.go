package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("KIM_TEST_STR", "x")
	t.Setenv("KIM_TEST_INT", "42")
	t.Setenv("KIM_TEST_BAD", "forty")
	t.Setenv("KIM_TEST_BOOL", " Yes ")

	assert.Equal(t, "x", GetEnv("KIM_TEST_STR", "d"))
	assert.Equal(t, "d", GetEnv("KIM_TEST_UNSET", "d"))
	assert.Equal(t, 42, GetEnvInt("KIM_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("KIM_TEST_BAD", 1))
	assert.True(t, GetEnvBool("KIM_TEST_BOOL", false))
	assert.False(t, GetEnvBool("KIM_TEST_UNSET", false))
}

func TestParseHdr(t *testing.T) {
	assert.Nil(t, ParseHdr(""))
	assert.Equal(t, map[string]string{"zone": "eu", "tier": "a=b"}, ParseHdr("zone=eu, tier=a=b,broken,=x"))
}
