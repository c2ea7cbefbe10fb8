package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUniqueEmail(t *testing.T) {
	a := GenerateUniqueEmail("worker")
	b := GenerateUniqueEmail("worker")
	require.NotEqual(t, a, b, "emails must be unique per call")
	assert.True(t, strings.HasPrefix(a, "worker-"), "email %q missing prefix", a)
	assert.True(t, strings.HasSuffix(a, "@example.com"), "email %q missing domain", a)
}

func TestSharedFixtureResetsBetweenTests(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	env.RegisterUser(t, "leftover")
	require.Equal(t, 1, env.Backend.UserCount())

	env = SetupBrowserTestEnv(t)
	assert.Equal(t, 0, env.Backend.UserCount(), "fixture must reset registered users")
}

func TestConfigCopiesDoNotLeak(t *testing.T) {
	env := SetupBrowserTestEnv(t)

	a := env.Config()
	a.MaxRetries = 99
	b := env.Config()
	assert.NotEqual(t, a.MaxRetries, b.MaxRetries, "each test must get its own config copy")
	assert.Equal(t, env.BaseURL, b.BaseURL)
}
