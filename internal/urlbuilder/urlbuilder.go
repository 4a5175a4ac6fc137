// Package urlbuilder normalizes git remote URLs and derives commit-browse
// links, as pure, total functions (no I/O, no platform APIs).
package urlbuilder

import "strings"

// Platform is a recognized git hosting platform, used to pick the correct
// commit-browse path shape.
type Platform string

const (
	PlatformGitHub    Platform = "github"
	PlatformGitLab    Platform = "gitlab"
	PlatformBitbucket Platform = "bitbucket"
)

const sshPrefix = "git@"

// NormalizeRepo rewrites a git remote URL into its canonical https form.
//
//   - trims surrounding whitespace
//   - rewrites SSH-style "git@host:path" remotes to "https://host/path"
//   - strips a trailing ".git" suffix
//   - strips a trailing "/"
//   - requires the result to start with "https://", else returns ""
//
// We parse this by hand instead of going through net/url: SSH-style remotes
// ("git@github.com:org/repo.git") are not valid URLs, so net/url.Parse
// either rejects them outright or mis-splits the host/path at the colon.
// Byte-level rewriting is the correct tool here, not structural parsing.
func NormalizeRepo(raw string) string {
	url := strings.TrimSpace(raw)

	if strings.HasPrefix(url, sshPrefix) {
		rest := strings.TrimPrefix(url, sshPrefix)

		hostPath := strings.SplitN(rest, ":", 2) //nolint:mnd
		if len(hostPath) == 2 {                  //nolint:mnd
			url = "https://" + hostPath[0] + "/" + hostPath[1]
		}
	}

	url = strings.TrimSuffix(url, ".git")
	url = strings.TrimSuffix(url, "/")

	if !strings.HasPrefix(url, "https://") {
		return ""
	}

	return url
}

// platformHosts maps case-insensitive host substrings to a Platform. Hosts
// that match none of these (self-hosted GitLab/Bitbucket/Gitea instances,
// etc.) intentionally return "" - graceful degradation per spec.md §4.4.
var platformHosts = []struct {
	host     string
	platform Platform
}{
	{"github.com", PlatformGitHub},
	{"gitlab.com", PlatformGitLab},
	{"bitbucket.org", PlatformBitbucket},
}

// DetectPlatform identifies the hosting platform of a (non-normalized) git
// remote URL by case-insensitive host match. Returns "" when unrecognized.
func DetectPlatform(raw string) Platform {
	lower := strings.ToLower(raw)

	for _, candidate := range platformHosts {
		if strings.Contains(lower, candidate.host) {
			return candidate.platform
		}
	}

	return ""
}

// BuildCommitURL derives the commit-browse URL for repo+hash. Returns "" if
// repo fails to normalize or its platform is unrecognized - both are
// graceful-degradation cases, never errors.
func BuildCommitURL(repo, hash string) string {
	normalized := NormalizeRepo(repo)
	if normalized == "" {
		return ""
	}

	switch DetectPlatform(normalized) {
	case PlatformGitHub:
		return normalized + "/commit/" + hash
	case PlatformGitLab:
		return normalized + "/-/commit/" + hash
	case PlatformBitbucket:
		return normalized + "/commits/" + hash
	default:
		return ""
	}
}
