package main

import "github.com/lockedin-study/lockedin-sync/cmd"

func main() {
	cmd.Execute()
}
