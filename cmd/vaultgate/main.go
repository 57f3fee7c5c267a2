package main

import "github.com/vaultgate/vaultgate/cmd/vaultgate/cmd"

func main() {
	cmd.Execute()
}
