package main

import "nathanbeddoewebdev/vpsd/cmd"

func main() {
	cmd.Execute()
}
