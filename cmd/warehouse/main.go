package main

import (
	"os"

	"github.com/Wykoo/mini-warehouse-ml/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warehouse",
	Short: "Daily housing warehouse pipeline with model training and scoring",
}

func main() {
	cli.SetupCLI(rootCmd)
	os.Exit(cli.Execute(rootCmd))
}
