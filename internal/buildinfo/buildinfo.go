// Package buildinfo carries version metadata stamped at link time.
//
//	go build -ldflags "-X github.com/modoterra/mediagent/internal/buildinfo.Version=$(git describe --tags --first-parent)"
package buildinfo

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the version line printed by both binaries.
func String(binary string) string {
	return binary + " " + Version + " (" + Commit + ") built " + Date
}
