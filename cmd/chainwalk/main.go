package main

import (
	"github.com/chrisc11/chainwalk/cmd/chainwalk/cmds"
	"github.com/chrisc11/chainwalk/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.ChainwalkVersion.Build = Build
	}
	cmds.New(false).Execute()
}
