package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
)

// Scheduler corre periódicamente rotación + limpieza.
type Scheduler struct {
	svc *Service
}

func NewScheduler(svc *Service) *Scheduler { return &Scheduler{svc: svc} }

// Run bloquea hasta que ctx se cancele. Corre una pasada al arrancar.
func (sc *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	log := logger.From(ctx).With(logger.Component("rotation-scheduler"))
	log.Info("scheduler started", logger.Duration(interval))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sc.Pass(logger.ToContext(ctx, log))
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-t.C:
		}
	}
}

// Pass ejecuta una pasada completa. Los errores se loguean; ninguno corta la pasada.
func (sc *Scheduler) Pass(ctx context.Context) {
	log := logger.From(ctx)
	if _, err := sc.svc.RotateAllExpiredKeys(ctx); err != nil {
		log.Error("rotate all failed", logger.Err(err))
	}
	if _, err := sc.svc.RotateCAKey(ctx, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Error("CA rotation failed", logger.Err(err))
	}
	if _, err := sc.svc.CleanupDeprecatedKeys(ctx); err != nil {
		log.Error("deprecated key cleanup failed", logger.Err(err))
	}
	if n, err := sc.svc.CleanupExpiredEphemeralKeys(ctx); err != nil {
		log.Error("ephemeral key cleanup failed", logger.Err(err))
	} else if n > 0 {
		log.Info("ephemeral keys deleted", logger.Count(n))
	}
}
