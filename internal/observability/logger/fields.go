package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - NEGOCIO
// =================================================================================

// AccountID crea un campo para el ID de cuenta.
func AccountID(v string) zap.Field {
	return zap.String("account_id", v)
}

// UserID crea un campo para el ID del usuario dueño.
func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

// TxID crea un campo para el ID de la transferencia.
func TxID(v string) zap.Field {
	return zap.String("tx_id", v)
}

// TxStatus crea un campo para el estado de una transferencia.
func TxStatus(v string) zap.Field {
	return zap.String("tx_status", v)
}

// KeyVersion crea un campo para la versión de clave.
func KeyVersion(v int) zap.Field {
	return zap.Int("key_version", v)
}

// CAID crea un campo para el ID de la CA.
func CAID(v string) zap.Field {
	return zap.String("ca_id", v)
}

// Serial crea un campo para el serial de un certificado.
func Serial(v string) zap.Field {
	return zap.String("serial", v)
}

// SessionID crea un campo para una sesión de clave efímera.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

// WorkerID crea un campo para el ID del worker.
func WorkerID(v string) zap.Field {
	return zap.String("worker_id", v)
}

// Reason crea un campo para el motivo de un rechazo/deprecación.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
