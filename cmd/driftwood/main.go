package main

import "github.com/driftwd/driftwood/internal/cmd"

func main() {
	cmd.Execute()
}
