package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Version is the release tag of the imgate server, without surrounding whitespace
var Version = strings.TrimSpace(raw)

// Get returns the release tag reported by the CLI and the admin endpoint
func Get() string {
	return Version
}

// Banner formats the line printed by `imgate version`
func Banner(app string) string {
	return app + " version " + Version
}
