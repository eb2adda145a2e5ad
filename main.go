/*
	Copyright 2023 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/runsession/cmd"

func main() {
	cmd.Execute()
}
