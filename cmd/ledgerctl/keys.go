package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/ledgerkeys/internal/app"
	"github.com/dropDatabas3/ledgerkeys/internal/security/secretbox"
)

func keysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Claves de cuenta: rotación, limpieza y listado"}

	var (
		account string
		all     bool
		force   bool
	)
	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rota la clave de una cuenta (--account) o todas las vencidas (--all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (account == "") == !all {
				return fmt.Errorf("usar exactamente uno de --account o --all")
			}
			return c.run(func(ctx context.Context, ct *app.Container) error {
				if all {
					res, err := ct.Rotation.RotateAllExpiredKeys(ctx)
					if err != nil {
						return err
					}
					return c.print(res)
				}
				return c.print(ct.Rotation.RotateAccount(ctx, account, force))
			})
		},
	}
	rotateCmd.Flags().StringVar(&account, "account", "", "ID de la cuenta")
	rotateCmd.Flags().BoolVar(&all, "all", false, "todas las cuentas activas con clave vencida")
	rotateCmd.Flags().BoolVar(&force, "force", false, "rota aunque no haya vencido (sólo con --account)")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Borra claves deprecadas tras el período de gracia y efímeras vencidas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, ct *app.Container) error {
				deprecated, err := ct.Rotation.CleanupDeprecatedKeys(ctx)
				if err != nil {
					return err
				}
				ephemeral, err := ct.Rotation.CleanupExpiredEphemeralKeys(ctx)
				if err != nil {
					return err
				}
				return c.print(map[string]int{"deprecated_deleted": deprecated, "ephemeral_deleted": ephemeral})
			})
		},
	}

	var listAccount string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lista las generaciones de clave de una cuenta",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listAccount == "" {
				return fmt.Errorf("falta --account")
			}
			return c.run(func(ctx context.Context, ct *app.Container) error {
				keys, err := ct.Keys.ListKeyPairs(ctx, listAccount)
				if err != nil {
					return err
				}
				if c.out == "json" {
					return c.print(keys)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tCUSTODY\tCREATED_AT\tDEPRECATED_AT\tREASON")
				for _, k := range keys {
					dep, reason := "", ""
					if k.DeprecatedAt != nil {
						dep = k.DeprecatedAt.Format(time.RFC3339)
					}
					if k.DeprecationReason != nil {
						reason = *k.DeprecationReason
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", k.Version, k.Custody, k.CreatedAt.Format(time.RFC3339), dep, reason)
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&listAccount, "account", "", "ID de la cuenta")

	genCmd := &cobra.Command{
		Use:   "gen-secretbox",
		Short: "Genera una clave nueva para SECRETBOX_MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secretbox.GenerateMasterKey()
			if err != nil {
				return err
			}
			if c.out == "json" {
				return c.print(map[string]string{secretbox.EnvVar: key})
			}
			fmt.Printf("Generated key: %s\n", key)
			fmt.Println("\nAdd this to your .env file:")
			fmt.Printf("%s=%s\n", secretbox.EnvVar, key)
			return nil
		},
	}

	cmd.AddCommand(rotateCmd, cleanupCmd, listCmd, genCmd)
	return cmd
}
