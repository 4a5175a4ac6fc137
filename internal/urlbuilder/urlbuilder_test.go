package urlbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/telemetry-run/telemetry/internal/urlbuilder"
)

func TestNormalizeRepo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ssh rewritten", "git@github.com:o/r.git", "https://github.com/o/r"},
		{"trailing git stripped", "https://github.com/o/r.git", "https://github.com/o/r"},
		{"trailing slash stripped", "https://github.com/o/r/", "https://github.com/o/r"},
		{"whitespace trimmed", "  https://github.com/o/r  ", "https://github.com/o/r"},
		{"non-https rejected", "ftp://x", ""},
		{"plain passthrough", "https://gitlab.com/o/r", "https://gitlab.com/o/r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, urlbuilder.NormalizeRepo(tt.in))
		})
	}
}

func TestNormalizeRepoIdempotence(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"git@github.com:o/r.git", "https://gitlab.com/o/r/", "ftp://x"} {
		once := urlbuilder.NormalizeRepo(u)
		twice := urlbuilder.NormalizeRepo(once)
		assert.Equal(t, once, twice)
	}
}

func TestDetectPlatform(t *testing.T) {
	t.Parallel()

	assert.Equal(t, urlbuilder.PlatformGitHub, urlbuilder.DetectPlatform("https://github.com/o/r"))
	assert.Equal(t, urlbuilder.PlatformGitLab, urlbuilder.DetectPlatform("https://gitlab.com/o/r"))
	assert.Equal(t, urlbuilder.PlatformBitbucket, urlbuilder.DetectPlatform("https://bitbucket.org/o/r"))
	assert.Equal(t, urlbuilder.Platform(""), urlbuilder.DetectPlatform("https://git.internal.example/o/r"))
}

func TestBuildCommitURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		repo string
		hash string
		want string
	}{
		{"github", "git@github.com:o/r.git", "abc1234", "https://github.com/o/r/commit/abc1234"},
		{"gitlab", "https://gitlab.com/o/r", "abc1234", "https://gitlab.com/o/r/-/commit/abc1234"},
		{"bitbucket", "https://bitbucket.org/o/r", "abc1234", "https://bitbucket.org/o/r/commits/abc1234"},
		{"unsupported platform", "https://git.internal.example/o/r", "abc1234", ""},
		{"invalid repo", "ftp://x", "abc1234", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, urlbuilder.BuildCommitURL(tt.repo, tt.hash))
		})
	}
}
