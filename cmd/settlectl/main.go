package main

import "github.com/wizardbeardstudio/open-settle-go/cmd/settlectl/cmd"

func main() {
	cmd.Execute()
}
