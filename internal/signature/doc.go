// Package signature implementa el protocolo de firma de transferencias.
//
// # Protocolo
//
//	M   = pad16(sender_account_number) ∥ pad16(receiver_account_number) ∥ pad15(amount_in_cents)
//	H   = SHA-256(M)                         (32 bytes, sin truncado)
//	sig = Ed25519.Sign(priv, H)
//
// Los números de cuenta se rellenan con ceros a la izquierda hasta 16
// dígitos; el monto se expresa en centavos y se rellena hasta 15 dígitos.
// M tiene siempre 46 bytes ASCII.
//
// Ed25519 firma mensajes de longitud arbitraria, así que el "entero acotado
// por el tamaño del módulo" es el digest completo de 256 bits, big-endian,
// tal cual. Un verificador reproduce H bit a bit con sólo estas tres reglas.
//
// transaction_hash = hex(H) en minúsculas; digital_signature = base64(sig).
//
// Las claves viajan como PEM: PKIX "PUBLIC KEY" y PKCS#8 "PRIVATE KEY".
package signature
