package main

import "github.com/kiralightyagami/polling/cmd"

func main() {
	cmd.Execute()
}
