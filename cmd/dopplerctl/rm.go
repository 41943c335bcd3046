package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm MODEL",
		Aliases: []string{"delete"},
		Short:   "Remove a model from the local store",
		Args:    cobra.ExactArgs(1),
		RunE:    rmHandler,
	}
}

func rmHandler(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.DeleteModel(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}
