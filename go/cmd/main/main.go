package main

import (
	"github.com/hvcorn/hvcorn/go/cmd"

	_ "github.com/hvcorn/hvcorn/go/cmd/config"
	_ "github.com/hvcorn/hvcorn/go/cmd/events"
	_ "github.com/hvcorn/hvcorn/go/cmd/run"
)

func main() { cmd.Main() }
