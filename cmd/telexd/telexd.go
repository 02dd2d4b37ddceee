package main

import (
	"github.com/tafallen/ProjectTeleprinter/cmd/telexd/commands"
)

func main() {
	commands.Execute()
}
