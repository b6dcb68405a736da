package main

import "github.com/voxelbench/voxelbench/apps/voxeld/cmd"

func main() {
	cmd.Execute()
}
