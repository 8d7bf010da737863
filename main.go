// The main package for the fedimirror executable.
package main

import (
	"github.com/fedimirror/fedimirror/cmd"
)

func main() {
	cmd.Execute()
}
