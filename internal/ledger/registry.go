// Package ledger keeps the operation log in an EVM registry contract. The
// contract stores the last operation of every DID, keyed by the DID bytes,
// and refuses an add whose prev does not match what it holds.
package ledger

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/model"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
)

//go:embed registry.abi.json
var registryABIJSON string

var (
	registryABI     abi.ABI
	loadABIOnce     sync.Once
	errParseABI     error
	errDIDTooLong   = errors.New("did does not fit in 32 bytes")
	errEmptyAddress = errors.New("contract address is required")
)

func loadABI() (abi.ABI, error) {
	loadABIOnce.Do(func() {
		registryABI, errParseABI = abi.JSON(strings.NewReader(registryABIJSON))
	})
	return registryABI, errParseABI
}

// Backend is the part of an Ethereum client the registry needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes the contract and the funded account that pays for adds.
type Config struct {
	RPCURL          string
	ContractAddress string
	// PrivateKey is hex, with or without 0x.
	PrivateKey string
	// ChainID of zero means ask the node.
	ChainID  int64
	GasLimit uint64
	// MineTimeout bounds the wait for an add to be mined. Zero means
	// defaultMineTimeout.
	MineTimeout time.Duration
}

// defaultMineTimeout is long enough for a few blocks on a slow chain.
const defaultMineTimeout = 2 * time.Minute

// Registry is a storage.OperationLog over the registry contract.
type Registry struct {
	backend  Backend
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	logger   *slog.Logger
	closeFn  func()

	mineTimeout time.Duration
}

// Dial connects to cfg.RPCURL and returns a Registry bound to the contract.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Registry, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	r, err := New(ctx, client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closeFn = client.Close
	return r, nil
}

// New binds the registry contract on an existing backend.
func New(ctx context.Context, backend Backend, cfg Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContractAddress == "" || !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: %q", errEmptyAddress, cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	parsed, err := loadABI()
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = backend.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	address := common.HexToAddress(cfg.ContractAddress)
	r := &Registry{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: cfg.GasLimit,
		logger:   logger,

		mineTimeout: cfg.MineTimeout,
	}
	if r.mineTimeout <= 0 {
		r.mineTimeout = defaultMineTimeout
	}
	logger.Info("ledger registry bound", "contract", address.Hex(), "sender", r.from.Hex(), "chainId", chainID)
	return r, nil
}

// Sender is the address transactions are sent from.
func (r *Registry) Sender() common.Address {
	return r.from
}

// Close releases the RPC connection when the registry dialed it.
func (r *Registry) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

// Ping asks the node for its head block.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.backend.BlockNumber(ctx)
	return err
}

// ReadTip calls getLastOperation. An empty result means the DID is unknown.
func (r *Registry) ReadTip(ctx context.Context, did string) (model.Operation, error) {
	key, err := didKey(did)
	if err != nil {
		return model.Operation{}, err
	}
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx, From: r.from}, &out, "getLastOperation", key); err != nil {
		return model.Operation{}, fmt.Errorf("call getLastOperation: %w", err)
	}
	if len(out) == 0 {
		return model.Operation{}, errors.New("getLastOperation returned no data")
	}
	raw, ok := out[0].([]byte)
	if !ok {
		return model.Operation{}, fmt.Errorf("getLastOperation: unexpected output type %T", out[0])
	}
	if len(raw) == 0 {
		return model.Operation{}, storage.ErrNotFound
	}
	op, err := plc.DecodeOperation(raw)
	if err != nil {
		return model.Operation{}, fmt.Errorf("stored operation for %s: %w", did, err)
	}
	return op, nil
}

// Append sends one add transaction and waits for it to be mined. The tip is
// checked first so a stale prev never costs gas; a reverted transaction is
// reported as ErrConflict when the tip has moved, otherwise as a failure.
// Callers must serialize Append, since the sender nonce is read here.
//
// Once sent, the transaction is out of the caller's hands, so the wait for
// its receipt ignores cancellation of ctx and is bounded by MineTimeout
// instead. An error after the send does not mean the add was dropped: it may
// still be mined, and the caller should read the tip before retrying.
func (r *Registry) Append(ctx context.Context, did string, op model.Operation, expectedPrev string) (string, error) {
	key, err := didKey(did)
	if err != nil {
		return "", err
	}
	cid, err := plc.CIDString(op)
	if err != nil {
		return "", err
	}
	encoded, err := plc.EncodeOperation(op)
	if err != nil {
		return "", err
	}

	if moved, err := r.tipMoved(ctx, did, expectedPrev); err != nil {
		return "", err
	} else if moved {
		return "", storage.ErrConflict
	}

	auth, err := r.transactOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := r.contract.Transact(auth, "add", encoded, key, expectedPrev)
	if err != nil {
		return "", fmt.Errorf("send add: %w", err)
	}
	r.logger.Info("add transaction sent", "did", did, "cid", cid, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mineTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, r.backend, tx)
	if err != nil {
		r.logger.Warn("add transaction not confirmed", "did", did, "tx", tx.Hash().Hex(), "error", err)
		return "", fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		r.logger.Warn("add transaction reverted", "did", did, "tx", tx.Hash().Hex())
		if moved, err := r.tipMoved(waitCtx, did, expectedPrev); err == nil && moved {
			return "", storage.ErrConflict
		}
		return "", fmt.Errorf("add transaction %s reverted", tx.Hash().Hex())
	}
	return cid, nil
}

func (r *Registry) tipMoved(ctx context.Context, did, expectedPrev string) (bool, error) {
	tip, err := r.ReadTip(ctx, did)
	if errors.Is(err, storage.ErrNotFound) {
		return expectedPrev != "", nil
	}
	if err != nil {
		return false, err
	}
	head, err := plc.CIDString(tip)
	if err != nil {
		return false, err
	}
	return head != expectedPrev, nil
}

func (r *Registry) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return nil, fmt.Errorf("create transactor: %w", err)
	}
	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasPrice = gasPrice
	auth.GasLimit = r.gasLimit
	auth.Value = big.NewInt(0)
	return auth, nil
}

// didKey right-pads the DID bytes to the contract's bytes32 key.
func didKey(did string) ([32]byte, error) {
	var key [32]byte
	if len(did) > len(key) {
		return key, &plc.EncodingError{Field: "did", Err: fmt.Errorf("%w: %d bytes", errDIDTooLong, len(did))}
	}
	copy(key[:], did)
	return key, nil
}
