package main

import (
	"github.com/peachycloudsecurity/exposed-files-scanner/cmd"
	"github.com/peachycloudsecurity/exposed-files-scanner/internal/config"
)

func main() {
	config.LoadConfig()
	cmd.Execute()
}
