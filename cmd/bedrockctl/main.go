// Command bedrockctl is an operator CLI for the Bedrock gateway.
//
//	bedrockctl models                     list invokable foundation models
//	bedrockctl resolve llama3-8b gpt-4o   show how ids map to backend models
//	bedrockctl chat "hello" -m llama3-8b  send a chat through the gateway
//	bedrockctl embed "hello"              request an embedding
//
// models and resolve --local talk to Bedrock directly using the gateway's own
// environment configuration; the rest go through a running gateway.
package main

import (
	"os"

	"github.com/fatih/color"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
