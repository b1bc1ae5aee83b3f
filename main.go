package main

import "bookscan/cmd"

func main() {
	cmd.Execute()
}
