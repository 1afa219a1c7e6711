package main

import (
	"os"

	"github.com/nuetzliches/eventrelay/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
