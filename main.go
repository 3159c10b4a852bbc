package main

import (
	"github.com/uniboxhq/unibox/cmd"
)

func main() {
	cmd.Execute()
}
