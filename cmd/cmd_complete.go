// cmd_complete.go - complete: eine Vervollstaendigung gegen den Daemon
//
// Verbindet sich mit dem Bus, oeffnet eine Session, erstellt einen
// Cursor und streamt die Chunks nach stdout. Mit --stats gibt es eine
// kleine Statistik-Tabelle nach der Generierung.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smspillaz/ggml-go/api"
	typesmodel "github.com/smspillaz/ggml-go/types/model"
)

func newCompleteCmd() *cobra.Command {
	var (
		numTokens int32
		chunkSize int32
		stats     bool
	)

	cmd := &cobra.Command{
		Use:   "complete MODEL PROMPT",
		Short: "Run a completion against the running service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := typesmodel.ParseName(args[0])
			if err != nil {
				return err
			}

			client, err := api.NewClient()
			if err != nil {
				return err
			}
			defer client.Close()

			session, err := client.OpenSession()
			if err != nil {
				return err
			}
			defer session.Close()

			props := api.CompletionProperties{
				NumParams:    name.NumParams,
				Quantization: name.Quantization,
			}

			cursor, err := session.StartCompletion(name.Model, props, args[1], numTokens)
			if err != nil {
				return err
			}
			defer cursor.Terminate()

			interactive := term.IsTerminal(int(os.Stdout.Fd()))

			start := time.Now()
			var chunks int
			completion, err := cursor.ExecStream(numTokens, chunkSize, func(text string, complete bool) {
				chunks++
				if interactive {
					fmt.Print(text)
				}
			})
			if err != nil {
				return err
			}

			if interactive {
				fmt.Println()
			} else {
				fmt.Println(args[1] + completion)
			}

			if stats {
				table := tablewriter.NewWriter(os.Stderr)
				table.SetHeader([]string{"model", "tokens", "chunks", "duration"})
				table.Append([]string{
					name.String(),
					fmt.Sprintf("%d", numTokens),
					fmt.Sprintf("%d", chunks),
					time.Since(start).Round(time.Millisecond).String(),
				})
				table.Render()
			}

			return nil
		},
	}

	cmd.Flags().Int32VarP(&numTokens, "tokens", "n", 128, "number of tokens to generate")
	cmd.Flags().Int32Var(&chunkSize, "chunk-size", 0, "tokens per streamed chunk (0: server default)")
	cmd.Flags().BoolVar(&stats, "stats", false, "print generation statistics")

	return cmd
}
