package main

import "github.com/heartreel/heartreel/cmd/heartreel/cmd"

func main() {
	cmd.Execute()
}
