// Command agentforge is the CLI entrypoint for the conversational agent
// orchestration core.
package main

import "github.com/agentforge/core/cmd"

func main() {
	cmd.Execute()
}
