package main

import (
	"os"

	"github.com/uploadtopi/uploadtopi/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
