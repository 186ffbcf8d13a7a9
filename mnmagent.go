package main

import (
	"github.com/mnmfasteners/mnm-agent/cmd"
)

func main() {
	cmd.Execute()
}
