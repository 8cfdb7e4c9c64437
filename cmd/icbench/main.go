/*
icbench drives the interconnect between in-process services.
*/
package main

import "github.com/PeernetOfficial/interconnect/cmd/icbench/commands"

func main() {
	commands.Execute()
}
