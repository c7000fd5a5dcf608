// cmd/imagingrag/main.go
package main

import (
	"os"

	"github.com/mwiater/imagingrag/internal/commands"
)

// Build-time variables, set with -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	setVersionInfo = commands.SetVersionInfo
	executeCmd     = commands.Execute
	exit           = os.Exit
)

// main starts the imagingrag CLI by delegating to the cobra root command.
func main() {
	setVersionInfo(version, commit, date)
	if err := executeCmd(); err != nil {
		exit(1)
	}
}
