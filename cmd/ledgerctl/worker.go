package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/ledgerkeys/internal/app"
)

func workerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Worker de verificación de transferencias"}

	var once bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Procesa transferencias pendientes (--once: una sola pasada)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, ct *app.Container) error {
				if once {
					res, err := ct.Worker.RunOnce(ctx)
					if err != nil {
						return err
					}
					return c.print(res)
				}
				return ct.Worker.Run(ctx, ct.Config.Worker.Interval)
			})
		},
	}
	runCmd.Flags().BoolVar(&once, "once", false, "una pasada y salir")

	cmd.AddCommand(runCmd)
	return cmd
}
