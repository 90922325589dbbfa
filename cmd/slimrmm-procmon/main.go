// slimrmm-procmon monitors and controls processes on remote hosts.
package main

import (
	"os"

	"github.com/slimrmm/slimrmm-procmon/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
