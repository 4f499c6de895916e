package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var fields map[string]string
	cmd := &cobra.Command{
		Use:   "enqueue <type> <asset-key>",
		Short: "Write a job file pointing at a data asset",
		Example: `  geoscrape enqueue post Derived/users.json
  geoscrape enqueue geo geo/austin --field city=austin --field category=coffee`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			extra := make(map[string]any, len(fields))
			for k, v := range fields {
				extra[k] = v
			}
			d, err := a.NewQueue().Enqueue(cmd.Context(), args[1], args[0], extra)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&fields, "field", nil, "extra payload field as key=value (repeatable)")
	return cmd
}
