// Package main is the entry of the iotrack command-line tool.
package main

import "github.com/sarchlab/iotrack/iotrack/cmd"

func main() {
	cmd.Execute()
}
