// Package main provides the entry point for the Answerforge CLI and API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "answerforge",
	Short: "Answerforge question processing pipeline",
	Long:  "Answerforge processes spreadsheets of questions through a staged research, drafting, and tailoring pipeline, as a one-shot CLI run or via REST API.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
