// Package version exposes the build version of the binary, derived from
// the Go module build info embedded at compile time.
package version

import "github.com/carlmjohnson/versioninfo"

var Version = versioninfo.Short()
