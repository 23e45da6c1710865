package version

import (
	"fmt"
	"log"

	"github.com/pterm/pterm"
)

var (
	Name        = "arbstr"
	Description = "OpenAI-compatible request execution engine"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText = "github.com/johnzilla/arbstr"
	GithubHomeUri  = "https://github.com/johnzilla/arbstr"
)

// PrintVersionInfo prints a short banner; extendedInfo adds build metadata
// for `--version`.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	title := pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(Name + " " + Version)
	vlog.Println(fmt.Sprintf("%s - %s", title, Description))
	vlog.Println(GithubHomeUri)

	if extendedInfo {
		vlog.Println(fmt.Sprintf("  Commit: %s", Commit))
		vlog.Println(fmt.Sprintf("   Built: %s", Date))
		vlog.Println(fmt.Sprintf("   Using: %s", User))
	}
}
