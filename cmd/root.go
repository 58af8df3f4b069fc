// Package cmd defines the archivum command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "archivum",
	Short: "Archivum - retrieval-augmented chat over National Archives sources",
	Long: `Archivum serves a chat API grounded in primary source documents from
the U.S. National Archives. Documents are embedded into a pgvector
store and retrieved by similarity to ground each answer.

Run 'archivum serve' to start the HTTP API, 'archivum index' to load
documents, or 'archivum ask' for a one-off question in the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
