// Command epstored runs an eventually-persistent vbucket store as a
// standalone process, backed by the bbolt reference implementation of
// the persistent-store facade.
package main

import "github.com/skipor/epcore/cmd/epstored/cmd"

func main() {
	cmd.Execute()
}
