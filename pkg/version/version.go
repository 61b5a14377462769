// Package version reports the engine's build identity for logs and the
// health payload.
package version

import "runtime/debug"

// AppName prefixes the identity string emitted by Full.
const AppName = "pushpilot"

// commit receives the build commit through
// -ldflags "-X github.com/threadswap/pushpilot/pkg/version.commit=<sha>",
// the path container builds take when no .git directory is present.
var commit string

// GitCommit identifies this build: the injected commit if set, otherwise
// the VCS revision stamped by the toolchain, otherwise "dev". Hashes are
// shortened to eight characters.
var GitCommit = resolve()

func resolve() string {
	c := commit
	if c == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, kv := range info.Settings {
				if kv.Key == "vcs.revision" {
					c = kv.Value
					break
				}
			}
		}
	}
	if c == "" {
		return "dev"
	}
	if len(c) > 8 {
		c = c[:8]
	}
	return c
}

// Full returns "<app>/<commit>", e.g. "pushpilot/1f0c9a2e".
func Full() string {
	return AppName + "/" + GitCommit
}
