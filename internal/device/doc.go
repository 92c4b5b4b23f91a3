// Package device defines the register-protocol session contract used by
// procedures, and a Modbus implementation backed by goburrow/modbus.
//
// Framing, CRC and function-code handling live in the client library; this
// package only maps descriptors to connections and classifies failures as
// ConnectionError or ProtocolError.
package device
