package models

import "strings"

// ConnectionStatus is the wallet connector's view of the connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Transient reports whether the status is still settling.
func (s ConnectionStatus) Transient() bool {
	return s == StatusConnecting || s == StatusReconnecting
}

// WalletSession is produced by the wallet connector and read-only elsewhere.
type WalletSession struct {
	Address string           `json:"address"`
	ChainID int64            `json:"chain_id"`
	Status  ConnectionStatus `json:"status"`
}

// NormalizeAddress lowercases and trims a hex address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
