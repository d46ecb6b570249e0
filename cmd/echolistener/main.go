// Package main provides the CLI entrypoint for echolistener.
package main

func main() {
	Execute()
}
