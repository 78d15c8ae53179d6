package models

import "time"

// ConnectionKind is the kind of asset bound to the network.
type ConnectionKind string

const (
	KindToken ConnectionKind = "token"
	KindNFT   ConnectionKind = "nft"
	KindNode  ConnectionKind = "node"
)

// ConnectionKinds lists every kind, in dashboard order.
var ConnectionKinds = []ConnectionKind{KindToken, KindNFT, KindNode}

// BindingStatus is the lifecycle bucket of a connection.
type BindingStatus string

const (
	BindingActive  BindingStatus = "active"
	BindingPending BindingStatus = "pending"
	BindingExpired BindingStatus = "expired"
)

// BindingStatuses lists the buckets a connection total is summed over.
var BindingStatuses = []BindingStatus{BindingActive, BindingPending, BindingExpired}

type Connection struct {
	ID        string         `json:"id"`
	Kind      ConnectionKind `json:"kind"`
	Name      string         `json:"name"`
	Status    BindingStatus  `json:"status"`
	Amount    float64        `json:"amount"`
	CreatedAt time.Time      `json:"created_at"`
}

type ConnectionsResponse = APIResponse[Page[Connection]]

type CountResponse = APIResponse[CountResult]
