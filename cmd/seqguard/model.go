package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/seqguard/pkg/features"
	"github.com/hed1ad/seqguard/pkg/inference/dense"
)

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model file utilities",
	}
	cmd.AddCommand(identityCmd(), inspectCmd())
	return cmd
}

func identityCmd() *cobra.Command {
	var (
		numFeatures int
		output      string
	)

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Write an identity autoencoder",
		Long: `identity writes a dense autoencoder that reconstructs its input exactly.
Every sequence scores 0, which is useful for checking a deployment end to
end before a trained model is available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := dense.Identity(numFeatures).Save()
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d features)\n", output, numFeatures)
			return nil
		},
	}

	cmd.Flags().IntVar(&numFeatures, "features", 3*features.PerAxis, "features per step")
	cmd.Flags().StringVarP(&output, "output", "o", "identity.gob", "output file")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model>",
		Short: "Print the shape of a dense model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := dense.Load(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "features: %d\nhidden: %d\nactivation: %s\n", m.Features, m.Hidden, m.Activation)
			return nil
		},
	}
}
