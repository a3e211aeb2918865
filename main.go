package main

import (
	"github.com/studyhall/meshcall/cmd"
	"github.com/studyhall/meshcall/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
