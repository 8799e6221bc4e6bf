package main

import "github.com/andresmejia3/footfall/cmd"

func main() {
	cmd.Execute()
}
