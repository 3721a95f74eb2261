// Command buildloop turns a natural-language requirement into a tested project
// by driving a model through a fixed sequence of build phases.
package main

import (
	"os"

	"buildloop/pkg/logx"
)

func main() {
	code := execute(os.Args[1:], os.Stdout, os.Stderr)
	logx.Sync()
	os.Exit(code)
}
