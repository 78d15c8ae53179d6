// Package wallet provides the wallet connector the session reacts to.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atm-network/atm-session/internal/chain"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

var ErrNoProvider = errors.New("no signing provider available")

// Signer is the provider handle: it signs on behalf of the connected account.
type Signer interface {
	Address() string
	SignMessage(ctx context.Context, message string) (string, error)
}

// Connector is the wallet-connect collaborator. Every status change is
// published on Events.
type Connector interface {
	Session() models.WalletSession
	Events() <-chan models.WalletSession
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SwitchChain(ctx context.Context, chainID int64) error
	Signer() Signer
}

// KeySigner signs with a local secp256k1 key using personal_sign (EIP-191).
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() string {
	return models.NormalizeAddress(s.address.Hex())
}

func (s *KeySigner) SignMessage(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// VerifySignature reports whether signature is a personal_sign of message by address.
func VerifySignature(address, message, signature string) bool {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address)
}

// KeyConnector is a connector backed by a local key. When an RPC endpoint
// is available the chain id is taken from it on connect.
type KeyConnector struct {
	signer  *KeySigner
	chainID chain.ChainIDReader

	mu      sync.RWMutex
	session models.WalletSession
	events  chan models.WalletSession
}

func NewKeyConnector(signer *KeySigner, defaultChainID int64, chainID chain.ChainIDReader) *KeyConnector {
	return &KeyConnector{
		signer:  signer,
		chainID: chainID,
		session: models.WalletSession{ChainID: defaultChainID, Status: models.StatusDisconnected},
		events:  make(chan models.WalletSession, 16),
	}
}

func (c *KeyConnector) Session() models.WalletSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *KeyConnector) Events() <-chan models.WalletSession {
	return c.events
}

func (c *KeyConnector) Signer() Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.Status != models.StatusConnected {
		return nil
	}
	return c.signer
}

func (c *KeyConnector) Connect(ctx context.Context) error {
	current := c.Session()
	switch current.Status {
	case models.StatusConnected:
		return nil
	case models.StatusDisconnected:
		c.publish(models.WalletSession{ChainID: current.ChainID, Status: models.StatusConnecting})
	default:
		c.publish(models.WalletSession{ChainID: current.ChainID, Status: models.StatusReconnecting})
	}

	chainID := current.ChainID
	if c.chainID != nil {
		id, err := c.chainID.ChainID(ctx)
		if err != nil {
			c.publish(models.WalletSession{ChainID: current.ChainID, Status: models.StatusDisconnected})
			return fmt.Errorf("failed to read chain id: %w", err)
		}
		chainID = id.Int64()
	}

	logger.Info("Wallet %s connected on chain %d", c.signer.Address(), chainID)
	c.publish(models.WalletSession{
		Address: c.signer.Address(),
		ChainID: chainID,
		Status:  models.StatusConnected,
	})
	return nil
}

func (c *KeyConnector) Disconnect(_ context.Context) error {
	current := c.Session()
	if current.Status == models.StatusDisconnected {
		return nil
	}

	logger.Info("Wallet %s disconnected", current.Address)
	c.publish(models.WalletSession{ChainID: current.ChainID, Status: models.StatusDisconnected})
	return nil
}

// SwitchChain changes the network while keeping the account.
func (c *KeyConnector) SwitchChain(_ context.Context, chainID int64) error {
	if chainID <= 0 {
		return fmt.Errorf("invalid chain id: %d", chainID)
	}

	current := c.Session()
	if current.ChainID == chainID {
		return nil
	}
	current.ChainID = chainID
	c.publish(current)
	return nil
}

// publish records the new session and emits it without blocking; a full
// buffer drops the oldest pending event.
func (c *KeyConnector) publish(session models.WalletSession) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	for {
		select {
		case c.events <- session:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}
