package main

import "odsflow/cmd"

func main() {
	cmd.Execute()
}
