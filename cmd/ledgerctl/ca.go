package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/ledgerkeys/internal/app"
	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

type caView struct {
	ID            string            `json:"id"`
	Info          repository.CAInfo `json:"info"`
	Fingerprint   string            `json:"fingerprint"`
	KeySize       int               `json:"key_size"`
	EstablishedAt time.Time         `json:"established_at"`
	Certificate   string            `json:"certificate_pem,omitempty"`
}

func (v caView) String() string {
	return fmt.Sprintf("id=%s name=%q fingerprint=%s established_at=%s",
		v.ID, v.Info.Name, v.Fingerprint, v.EstablishedAt.Format(time.RFC3339))
}

func viewCA(ca *repository.CertificateAuthority, withPEM bool) caView {
	v := caView{ID: ca.ID, Info: ca.Info, Fingerprint: ca.Fingerprint, KeySize: ca.KeySize, EstablishedAt: ca.EstablishedAt}
	if withPEM {
		v.Certificate = ca.CertificatePEM
	}
	return v
}

func caCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "ca", Short: "Autoridad certificante de transferencias"}

	var initForce bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Inicializa la CA con la identidad de config (--force la regenera)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, ct *app.Container) error {
				ca, err := ct.CA.InitializeCA(ctx, ct.Config.CA.Info, initForce)
				if err != nil {
					return err
				}
				return c.print(viewCA(ca, false))
			})
		},
	}
	initCmd.Flags().BoolVar(&initForce, "force", false, "desactiva la CA vigente y crea una nueva")

	var withPEM bool
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Muestra la CA activa (sin material privado)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, ct *app.Container) error {
				ca, err := ct.CA.GetCAInfo(ctx)
				if err != nil {
					return err
				}
				return c.print(viewCA(ca, withPEM))
			})
		},
	}
	infoCmd.Flags().BoolVar(&withPEM, "pem", false, "incluye el certificado raíz en PEM")

	var rotateForce bool
	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rota la clave de la CA si superó ca_key_max_age_days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, ct *app.Container) error {
				rotated, err := ct.Rotation.RotateCAKey(ctx, rotateForce)
				if err != nil {
					return err
				}
				return c.print(map[string]bool{"rotated": rotated})
			})
		},
	}
	rotateCmd.Flags().BoolVar(&rotateForce, "force", false, "rota aunque no haya vencido")

	var txID string
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verifica el certificado de una transferencia contra la CA que lo emitió",
		RunE: func(cmd *cobra.Command, args []string) error {
			if txID == "" {
				return fmt.Errorf("falta --tx")
			}
			return c.run(func(ctx context.Context, ct *app.Container) error {
				cert, err := ct.CA.GetCertificate(ctx, txID)
				if err != nil {
					return err
				}
				if err := ct.CA.VerifyCertificate(ctx, cert); err != nil {
					return fmt.Errorf("certificado %s inválido: %w", cert.SerialNumber, err)
				}
				return c.print(map[string]string{"status": "valid", "serial": cert.SerialNumber, "ca_id": cert.CAID})
			})
		},
	}
	verifyCmd.Flags().StringVar(&txID, "tx", "", "ID de la transferencia")

	cmd.AddCommand(initCmd, infoCmd, rotateCmd, verifyCmd)
	return cmd
}
