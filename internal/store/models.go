// Package store implements the relational persistence layer: users,
// game image catalog, servers and the append-only transaction ledger.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerState is the lifecycle state of a server.
type ServerState string

const (
	StateRunning  ServerState = "RUNNING"
	StateSleeping ServerState = "SLEEPING"
	StateStarting ServerState = "STARTING"
	StateStopping ServerState = "STOPPING"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TransactionDeposit      TransactionType = "DEPOSIT"
	TransactionHourlyCharge TransactionType = "HOURLY_CHARGE"
)

// User owns servers and a credit balance. Every credit delta is also
// recorded as a Transaction.
type User struct {
	ID        int64
	Email     string
	Credits   decimal.Decimal
	IsAdmin   bool
	CreatedAt time.Time
}

// GameImage is a catalog entry describing a deployable game.
type GameImage struct {
	ID                  int64
	FriendlyName        string
	ImageRef            string
	DefaultInternalPort int
	MinRAM              string
	MinCPU              string
	Protocol            string
	Description         string
}

// Server is one provisioned game server. The bundle fields are either
// fully set (after a successful deploy) or fully empty (after delete).
type Server struct {
	ID          int64
	UserID      int64
	GameImageID int64

	FriendlyName string
	EnvVars      map[string]string

	ProxyContainerID string
	GameContainerID  string
	PublicPort       int
	NetworkName      string

	State           ServerState
	AutoSleep       bool
	CreatedAt       time.Time
	LastStateChange time.Time
}

// Transaction is an append-only ledger entry; rows are never updated or
// deleted.
type Transaction struct {
	ID          int64
	UserID      int64
	Amount      decimal.Decimal
	Type        TransactionType
	Timestamp   time.Time
	Description string
}
