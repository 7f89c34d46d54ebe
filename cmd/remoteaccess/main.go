package main

import (
	"os"

	"github.com/nuetzliches/remoteaccess/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
