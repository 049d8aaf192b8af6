package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docpipe/internal/orchestrator"
)

var (
	extractDocType    string
	extractExternalID string
	extractRequestID  string
)

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Run the extraction pipeline against one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		result, failure := env.Orchestrator.Run(cmd.Context(), orchestrator.RunRequest{
			FilePath:   args[0],
			DocType:    extractDocType,
			ExternalID: extractExternalID,
			RequestID:  extractRequestID,
		})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if failure != nil {
			_ = enc.Encode(failure)
			return eris.Errorf("extraction failed: %s", failure.ErrorCode)
		}
		return enc.Encode(result)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractDocType, "doc-type", "", "document type code (required)")
	extractCmd.Flags().StringVar(&extractExternalID, "external-id", "", "caller correlation id")
	extractCmd.Flags().StringVar(&extractRequestID, "request-id", "", "request id (generated when empty)")
	_ = extractCmd.MarkFlagRequired("doc-type")
	rootCmd.AddCommand(extractCmd)
}
