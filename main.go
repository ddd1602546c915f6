package main

import "github.com/tldr-it-stepankutaj/mop/cmd/mop"

func main() {
	mop.Execute()
}
