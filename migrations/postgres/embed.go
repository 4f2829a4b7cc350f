// Package migrations embeds SQL migration files.
package migrations

import "embed"

// LedgerFS contiene las migraciones del esquema de ledgerkeys.
//
//go:embed ledger/*.sql
var LedgerFS embed.FS

// LedgerDir es el directorio dentro de LedgerFS donde viven las migraciones.
const LedgerDir = "ledger"
