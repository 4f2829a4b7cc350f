// Package repository define las entidades y los contratos de persistencia del
// subsistema de integridad de transferencias.
//
// Las interfaces son independientes del almacenamiento subyacente. Las
// implementaciones concretas viven en internal/store/memory (dev/tests) e
// internal/store/pg (PostgreSQL).
//
// Arquitectura:
//
//	┌──────────────────────────────────────────────────────────┐
//	│  ledger / worker / rotation / ca / keystore (services)    │
//	└──────────────────────────────────────────────────────────┘
//	                          │
//	                          ▼
//	┌──────────────────────────────────────────────────────────┐
//	│        domain/repository (entidades + interfaces)         │
//	│  AccountRepository, KeyRepository, TransactionRepository  │
//	└──────────────────────────────────────────────────────────┘
//	                          │
//	               ┌──────────┴──────────┐
//	               ▼                     ▼
//	       ┌──────────────┐      ┌──────────────┐
//	       │ store/memory │      │   store/pg   │
//	       └──────────────┘      └──────────────┘
//
// Convenciones:
//   - Context siempre es el primer parámetro
//   - Montos y saldos son decimal.Decimal con dos decimales
//   - Claves, hashes y firmas viajan como strings opacos (PEM, hex, base64)
//   - Errores de dominio están en errors.go
package repository
