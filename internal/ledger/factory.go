package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

// New builds the client selected by cfg.Mode. The client is returned
// unconnected; call Connect before use.
func New(cfg internal.LedgerConfig, logger *slog.Logger, observer Observer) (Client, error) {
	switch cfg.Mode {
	case internal.LedgerModeSimulated:
		key, err := operatorKeyOrRandom(cfg.OperatorKey)
		if err != nil {
			return nil, err
		}
		operator := addressOf(key)
		platform := operator
		if common.IsHexAddress(cfg.PlatformAddress) {
			platform = common.HexToAddress(cfg.PlatformAddress)
		}
		return NewSimulatedClient(escrow.NewContract(operator, platform, cfg.FeeBps), logger), nil

	case internal.LedgerModeRPC, "":
		key, err := ParseOperatorKey(cfg.OperatorKey)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
		}
		policy := DefaultRetryPolicy()
		if cfg.RetryMaxElapsed > 0 {
			policy.MaxElapsedTime = cfg.RetryMaxElapsed
		}
		client, err := NewRPCClient(RPCConfig{
			URL:             cfg.RPCURL,
			ChainID:         cfg.ChainID,
			ContractAddress: common.HexToAddress(cfg.ContractAddress),
			OperatorKey:     key,
			Confirmations:   cfg.Confirmations,
			ConfirmTimeout:  cfg.ConfirmTimeout,
			PollInterval:    cfg.PollInterval,
			DialTimeout:     cfg.DialTimeout,
			RateLimit:       cfg.RateLimit,
			Retry:           policy,
		}, logger, WithObserver(observer))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("ledger: unknown mode %q", cfg.Mode)
}

func operatorKeyOrRandom(hexKey string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(hexKey) == "" {
		return crypto.GenerateKey()
	}
	return ParseOperatorKey(hexKey)
}

func addressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
