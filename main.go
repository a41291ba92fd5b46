package main

import "github.com/DominicWuest/bugmon/cmd"

func main() {
	cmd.Execute()
}
