package cachedb

import "strings"

// repoSeparator joins the repository scope and the logical key inside a
// bucket. Listing and clearing match on this prefix so that a single store
// can hold several repositories without collision.
const repoSeparator = "::"

// makeRepoKey creates the physical key for a logical key scoped to a
// repository. Format: [repository]::[key]
func makeRepoKey(repo, key string) []byte {
	return []byte(repo + repoSeparator + key)
}

// repoPrefix returns the physical key prefix for all of a repository's keys.
func repoPrefix(repo string) []byte {
	return []byte(repo + repoSeparator)
}

// parseRepoKey strips the repository prefix from a physical key. The second
// return is false when the key does not belong to the repository.
func parseRepoKey(repo string, physical []byte) (string, bool) {
	s := string(physical)
	rest, found := strings.CutPrefix(s, repo+repoSeparator)
	if !found {
		return "", false
	}
	return rest, true
}
