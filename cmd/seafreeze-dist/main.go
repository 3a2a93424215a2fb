package main

import "github.com/oshokin/seafreeze-dist/cmd/seafreeze-dist/cmd"

func main() {
	cmd.Execute()
}
