package types

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Version is the canonical skiff version.
// The launcher and the release service are versioned in lockstep.
const Version = "0.3.0"

// UserAgent is sent by the launcher on every request to the release service.
const UserAgent = "skiff/" + Version

// CompareVersions orders two release identifiers.
// Identifiers that both parse as semantic versions are compared semantically;
// anything else (build hashes, dated tags) falls back to lexical order.
// Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	va, errA := goversion.NewVersion(a)
	vb, errB := goversion.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}
