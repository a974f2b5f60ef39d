// Package sip declares the message and transport contracts the transaction layer works with.
//
// Messages arrive already parsed. The transaction layer reads the few header fields it needs
// for matching through [Message] and never serializes anything itself; bytes are put on
// the wire by a [Transport] implementation supplied by the application.
package sip
