// cmd_model.go - convert und quantize: Modelldatei-Werkzeuge
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smspillaz/ggml-go/convert"
	"github.com/smspillaz/ggml-go/ml"
	"github.com/smspillaz/ggml-go/model"
)

func newConvertCmd() *cobra.Command {
	var params convert.Params

	cmd := &cobra.Command{
		Use:   "convert CHECKPOINT ENCODER_JSON OUTPUT",
		Short: "Convert a GPT-2 checkpoint to the native model format",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := os.Create(args[2])
			if err != nil {
				return err
			}

			if err := convert.Convert(args[0], args[1], &params, out); err != nil {
				out.Close()
				os.Remove(args[2])
				return err
			}

			return out.Close()
		},
	}

	cmd.Flags().IntVar(&params.VocabSize, "vocab-size", 50257, "vocabulary size")
	cmd.Flags().IntVar(&params.ContextSize, "ctx", 1024, "context length")
	cmd.Flags().IntVar(&params.HiddenSize, "embd", 768, "embedding dimension")
	cmd.Flags().IntVar(&params.Heads, "heads", 12, "attention heads")
	cmd.Flags().IntVar(&params.Layers, "layers", 12, "decoder layers")

	return cmd
}

func newQuantizeCmd() *cobra.Command {
	var (
		include []string
		exclude []string
	)

	cmd := &cobra.Command{
		Use:   "quantize INPUT OUTPUT TYPE",
		Short: "Rewrite model weights at a lower precision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := ml.ParseDType(args[2])
			if err != nil {
				return err
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}

			result, err := convert.QuantizeStream(in, out, target, include, exclude)
			if err != nil {
				out.Close()
				os.Remove(args[1])
				return err
			}

			if err := out.Close(); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "quantized %d tensors, copied %d\n", result.Quantized, result.Copied)

			var total int64
			for _, c := range result.Histogram {
				total += c
			}

			if total > 0 {
				fmt.Fprint(os.Stderr, "code histogram:")
				for _, c := range result.Histogram {
					fmt.Fprintf(os.Stderr, " %5.3f", float64(c)/float64(total))
				}
				fmt.Fprintln(os.Stderr)
			}

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&include, "include", model.DefaultQuantizeInclude, "weight path patterns to quantize")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "weight path patterns to keep unquantized")

	return cmd
}
