package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
)

type fakeBackend struct {
	mu sync.Mutex

	chainID     *big.Int
	estimateErr error
	// sendErrs are returned by successive SendTransaction calls; the
	// transaction is recorded as known regardless.
	sendErrs []error
	sends    int
	known    map[common.Hash]*types.Transaction

	// receiptAfter is the number of polls that report NotFound first.
	receiptAfter int
	polls        int
	receiptFor   func(tx *types.Transaction) *types.Receipt

	callContract func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	closed       bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(1337), known: make(map[common.Hash]*types.Transaction)}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)   { return f.chainID, nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 100, nil }
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 4, nil
}
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[tx.Hash()] = tx
	f.sends++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.known[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	tx, ok := f.known[hash]
	if !ok || f.receiptFor == nil || f.polls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return f.receiptFor(tx), nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.callContract == nil {
		return nil, errors.New("no contract")
	}
	return f.callContract(msg, block)
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeBackend) knownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.known)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ = Describe("RPCClient", func() {
	var (
		backend *fakeBackend
		client  *ledger.RPCClient
		ctx     context.Context
		worker  = workerAddr
	)

	newClient := func(mutate func(*ledger.RPCConfig)) *ledger.RPCClient {
		key, err := crypto.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		cfg := ledger.RPCConfig{
			URL:             "http://node.invalid",
			ChainID:         1337,
			ContractAddress: contractAddr,
			OperatorKey:     key,
			ConfirmTimeout:  200 * time.Millisecond,
			PollInterval:    5 * time.Millisecond,
			Retry: ledger.RetryPolicy{
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
				MaxElapsedTime:  500 * time.Millisecond,
			},
		}
		if mutate != nil {
			mutate(&cfg)
		}
		c, err := ledger.NewRPCClient(cfg, discardLogger(), ledger.WithDialer(func(context.Context, string) (ledger.Backend, error) {
			return backend, nil
		}))
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		backend = newFakeBackend()
		client = newClient(nil)
		Expect(client.Connect(ctx)).To(Succeed())
	})

	It("refuses a node serving another chain", func() {
		backend.chainID = big.NewInt(1)
		other := newClient(nil)

		err := other.Connect(ctx)
		Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
		Expect(other.Connected()).To(BeFalse())
	})

	It("reports unavailable before Connect", func() {
		fresh := newClient(nil)

		_, err := fresh.Submit(ctx, ledger.ConfirmCompletionCall(1, worker))
		Expect(ledger.IsUnavailable(err)).To(BeTrue())
	})

	Describe("Submit", func() {
		It("broadcasts a signed transaction to the contract", func() {
			hash, err := client.Submit(ctx, ledger.ConfirmCompletionCall(1, worker))

			Expect(err).NotTo(HaveOccurred())
			Expect(backend.sendCount()).To(Equal(1))
			tx := backend.known[hash]
			Expect(tx).NotTo(BeNil())
			Expect(*tx.To()).To(Equal(contractAddr))
			Expect(tx.Nonce()).To(Equal(uint64(4)))
			Expect(tx.Gas()).To(Equal(uint64(120_000)))
		})

		It("carries the escrow deposit as value on creation", func() {
			value := big.NewInt(5_000)
			hash, err := client.Submit(ctx, ledger.CreateEscrowCall("job_1", employerAddr, worker, value))

			Expect(err).NotTo(HaveOccurred())
			Expect(backend.known[hash].Value().Cmp(value)).To(Equal(0))
		})

		It("does not broadcast when gas estimation reverts", func() {
			backend.estimateErr = errors.New("execution reverted: " + escrow.ReasonOnlyWorker)

			_, err := client.Submit(ctx, ledger.ConfirmCompletionCall(1, employerAddr))

			reason, ok := ledger.PreconditionReason(err)
			Expect(ok).To(BeTrue())
			Expect(reason).To(Equal(escrow.ReasonOnlyWorker))
			Expect(backend.sendCount()).To(Equal(0))
		})

		It("resends the same transaction after a transient failure", func() {
			backend.sendErrs = []error{errors.New("i/o timeout"), errors.New("already known")}

			hash, err := client.Submit(ctx, ledger.ReleasePaymentCall(1, employerAddr))

			Expect(err).NotTo(HaveOccurred())
			Expect(backend.sendCount()).To(Equal(2))
			Expect(backend.knownCount()).To(Equal(1))
			Expect(backend.known).To(HaveKey(hash))
		})

		It("gives up on a non-transient broadcast error", func() {
			backend.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}

			_, err := client.Submit(ctx, ledger.ReleasePaymentCall(1, employerAddr))

			Expect(err).To(HaveOccurred())
			Expect(ledger.IsTransient(err)).To(BeFalse())
			Expect(backend.sendCount()).To(Equal(1))
		})

		It("validates the call before touching the node", func() {
			_, err := client.Submit(ctx, ledger.ConfirmCompletionCall(0, worker))

			Expect(err).To(HaveOccurred())
			Expect(backend.sendCount()).To(Equal(0))
		})
	})

	Describe("AwaitConfirmation", func() {
		It("returns the decoded events once mined", func() {
			backend.receiptAfter = 2
			backend.receiptFor = func(tx *types.Transaction) *types.Receipt {
				return &types.Receipt{
					Status:      types.ReceiptStatusSuccessful,
					TxHash:      tx.Hash(),
					BlockNumber: big.NewInt(42),
					Logs:        []*types.Log{workCompletedLog(1)},
				}
			}
			call := ledger.ConfirmCompletionCall(1, worker)
			hash, err := client.Submit(ctx, call)
			Expect(err).NotTo(HaveOccurred())

			receipt, err := client.AwaitConfirmation(ctx, call, hash)

			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.TxHash).To(Equal(hash))
			Expect(receipt.BlockNumber).To(Equal(uint64(42)))
			Expect(receipt.Events).To(ConsistOf(ledger.WorkCompleted{EscrowID: 1, Worker: worker}))
		})

		It("reports pending when the window elapses", func() {
			client = newClient(func(cfg *ledger.RPCConfig) { cfg.ConfirmTimeout = 30 * time.Millisecond })
			Expect(client.Connect(ctx)).To(Succeed())
			call := ledger.ConfirmCompletionCall(1, worker)
			hash, err := client.Submit(ctx, call)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.AwaitConfirmation(ctx, call, hash)

			Expect(err).To(MatchError(ledger.ErrConfirmationPending))
		})

		It("recovers the revert reason of a failed transaction", func() {
			backend.receiptFor = func(tx *types.Transaction) *types.Receipt {
				return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: tx.Hash(), BlockNumber: big.NewInt(7)}
			}
			backend.callContract = func(_ ethereum.CallMsg, block *big.Int) ([]byte, error) {
				Expect(block.Int64()).To(Equal(int64(7)))
				return nil, errors.New("execution reverted: " + escrow.ReasonNotCompleted)
			}
			call := ledger.ReleasePaymentCall(1, employerAddr)
			hash, err := client.Submit(ctx, call)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.AwaitConfirmation(ctx, call, hash)

			reason, ok := ledger.PreconditionReason(err)
			Expect(ok).To(BeTrue())
			Expect(reason).To(Equal(escrow.ReasonNotCompleted))
		})

		It("treats a receipt without the expected event as a protocol mismatch", func() {
			backend.receiptFor = func(tx *types.Transaction) *types.Receipt {
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), BlockNumber: big.NewInt(9)}
			}
			call := ledger.ReleasePaymentCall(1, employerAddr)
			hash, err := client.Submit(ctx, call)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.AwaitConfirmation(ctx, call, hash)

			Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
		})
	})

	Describe("reads", func() {
		It("unpacks getEscrow into the escrow model", func() {
			method := escrowABI().Methods["getEscrow"]
			out, err := method.Outputs.Pack(
				big.NewInt(3), "job_9", employerAddr, worker,
				big.NewInt(975), big.NewInt(25), uint8(escrow.StatusFunded),
				false, false, false,
				big.NewInt(1_700_000_000), big.NewInt(0), big.NewInt(0),
			)
			Expect(err).NotTo(HaveOccurred())
			backend.callContract = func(ethereum.CallMsg, *big.Int) ([]byte, error) { return out, nil }

			e, err := client.GetEscrow(ctx, 3)

			Expect(err).NotTo(HaveOccurred())
			Expect(e.ID).To(Equal(uint64(3)))
			Expect(e.JobID).To(Equal("job_9"))
			Expect(e.Status).To(Equal(escrow.StatusFunded))
			Expect(e.Worker).To(Equal(worker))
			Expect(e.CreatedAt.Unix()).To(Equal(int64(1_700_000_000)))
			Expect(e.CompletedAt.IsZero()).To(BeTrue())
		})

		It("maps the missing escrow revert to not found", func() {
			backend.callContract = func(ethereum.CallMsg, *big.Int) ([]byte, error) {
				return nil, errors.New("execution reverted: " + escrow.ReasonNotFound)
			}

			_, err := client.GetEscrow(ctx, 99)
			Expect(ledger.IsNotFound(err)).To(BeTrue())
		})

		It("rejects a status outside the known set", func() {
			method := escrowABI().Methods["getEscrow"]
			out, err := method.Outputs.Pack(
				big.NewInt(3), "job_9", employerAddr, worker,
				big.NewInt(975), big.NewInt(25), uint8(42),
				false, false, false,
				big.NewInt(0), big.NewInt(0), big.NewInt(0),
			)
			Expect(err).NotTo(HaveOccurred())
			backend.callContract = func(ethereum.CallMsg, *big.Int) ([]byte, error) { return out, nil }

			_, err = client.GetEscrow(ctx, 3)
			Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
		})

		It("reads the platform fee", func() {
			out, err := escrowABI().Methods["platformFeeBps"].Outputs.Pack(big.NewInt(250))
			Expect(err).NotTo(HaveOccurred())
			backend.callContract = func(ethereum.CallMsg, *big.Int) ([]byte, error) { return out, nil }

			fee, err := client.PlatformFeeBps(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(fee).To(Equal(uint64(250)))
		})

		It("reports a job without escrow as absent", func() {
			out, err := escrowABI().Methods["escrowIdByJob"].Outputs.Pack(big.NewInt(0))
			Expect(err).NotTo(HaveOccurred())
			backend.callContract = func(ethereum.CallMsg, *big.Int) ([]byte, error) { return out, nil }

			_, found, err := client.EscrowIDByJob(ctx, "job_404")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})
})
