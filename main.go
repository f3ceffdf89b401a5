package main

import "github.com/andresmejia3/labscan/cmd"

func main() {
	cmd.Execute()
}
