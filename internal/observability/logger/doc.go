// Package logger provee un logger Zap singleton con scoping por contexto.
//
// # Decisiones
//
//   - Singleton: una sola instancia global inicializada con Init().
//   - Context scoping: cada pasada del worker o comando admin puede llevar su
//     propio logger con campos (worker_id, tx_id, account_id) sin crear un
//     nuevo core.
//   - Entornos: "dev" usa consola con colores, "prod" usa JSON.
//
// # Uso
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "ledgerd"})
//	defer logger.Sync()
//
//	log := logger.From(ctx)
//	log.Info("transfer approved", logger.TxID(id), logger.AccountID(sender))
package logger
