package update

import (
	goversion "github.com/hashicorp/go-version"
)

// UnknownVersion is the sentinel for a version that could not be read.
const UnknownVersion = "unknown"

// CompareVersions reports whether remote is newer than local.
//
// When both sides are semantic versions the comparison is numeric per
// component and ignores pre-release suffixes. Otherwise any difference counts
// as an update. An unknown local version is always out of date.
func CompareVersions(local, remote string) bool {
	local = NormalizeVersion(local)
	remote = NormalizeVersion(remote)

	if local == "" || local == UnknownVersion {
		return true
	}
	if remote == "" || remote == UnknownVersion {
		return false
	}

	if IsSemantic(local) && IsSemantic(remote) {
		lv, lerr := goversion.NewVersion(local)
		rv, rerr := goversion.NewVersion(remote)
		if lerr == nil && rerr == nil {
			return rv.Core().GreaterThan(lv.Core())
		}
	}

	return local != remote
}

// commitIsNewer reports whether the remote commit differs from the local
// (possibly abbreviated) hash.
func commitIsNewer(local, remoteSHA string) bool {
	if local == "" || local == UnknownVersion {
		return true
	}
	if len(local) > len(remoteSHA) {
		return true
	}
	return !equalFoldPrefix(remoteSHA, local)
}

func equalFoldPrefix(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
