package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents <doc-type>",
	Short: "List the extraction agents configured for a document type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		docType, err := st.GetDocumentTypeByCode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if docType == nil {
			return eris.Errorf("unknown document type %s", args[0])
		}

		agents, err := st.ListAgentsByDocType(cmd.Context(), docType.ID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tCODE\tACTIVE\tPREFERRED MODEL\tCHAIN STEPS")
		for _, a := range agents {
			steps := 0
			if a.Chain != nil {
				steps = len(a.Chain.Steps)
			}
			fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%d\n", a.SequenceNo, a.Code, a.IsActive, a.PreferredModel, steps)
		}
		return w.Flush()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent <code>",
	Short: "Show one extraction agent's configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		agent, err := st.GetAgentByCode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if agent == nil {
			return eris.Errorf("unknown agent %s", args[0])
		}

		out, err := json.MarshalIndent(agent, "", "  ")
		if err != nil {
			return eris.Wrap(err, "cmd: marshal agent")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(agentCmd)
}
