package main

import (
	"github.com/geoharvest/stacharvest/cmd"
)

func main() {
	cmd.Execute()
}
