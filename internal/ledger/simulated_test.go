package ledger_test

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/ledger/ledgertest"
)

var _ = Describe("SimulatedClient", func() {
	var (
		ctx      context.Context
		admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
		platform = common.HexToAddress("0x00000000000000000000000000000000000000f1")
		client   *ledger.SimulatedClient
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = ledger.NewSimulatedClient(escrow.NewContract(admin, platform, 250), discardLogger())
		Expect(client.Connect(ctx)).To(Succeed())
	})

	submit := func(call ledger.Call) *ledger.Receipt {
		hash, err := client.Submit(ctx, call)
		Expect(err).NotTo(HaveOccurred())
		receipt, err := client.AwaitConfirmation(ctx, call, hash)
		Expect(err).NotTo(HaveOccurred())
		return receipt
	}

	It("relays as the contract admin", func() {
		Expect(client.Operator()).To(Equal(admin))
	})

	It("runs a full escrow lifecycle", func() {
		created := submit(ledger.CreateEscrowCall("job_1", employerAddr, workerAddr, wei("1")))
		ev := created.Events[0].(ledger.EscrowCreated)
		Expect(ev.JobID).To(Equal("job_1"))

		submit(ledger.ConfirmCompletionCall(ev.EscrowID, workerAddr))
		released := submit(ledger.ReleasePaymentCall(ev.EscrowID, employerAddr))
		Expect(released.Events[0].Kind()).To(Equal(ledger.KindPaymentReleased))

		e, err := client.GetEscrow(ctx, ev.EscrowID)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Status).To(Equal(escrow.StatusReleased))
		Expect(escrow.FromWei(client.Contract().Balance(workerAddr)).String()).To(Equal("0.975"))
	})

	It("surfaces contract reverts as preconditions without a receipt", func() {
		created := submit(ledger.CreateEscrowCall("job_2", employerAddr, workerAddr, wei("1")))
		id := ledger.EscrowOf(created.Events[0])

		_, err := client.Submit(ctx, ledger.ReleasePaymentCall(id, employerAddr))

		reason, ok := ledger.PreconditionReason(err)
		Expect(ok).To(BeTrue())
		Expect(reason).To(Equal(escrow.ReasonNotCompleted))
	})

	It("resolves disputes as admin", func() {
		created := submit(ledger.CreateEscrowCall("job_3", employerAddr, workerAddr, wei("2")))
		id := ledger.EscrowOf(created.Events[0])
		submit(ledger.RaiseDisputeCall(id, employerAddr, "late"))

		resolved := submit(ledger.ResolveDisputeCall(id, false))

		Expect(resolved.Events[0]).To(BeAssignableToTypeOf(ledger.DisputeResolved{}))
		e, err := client.GetEscrow(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Status).To(Equal(escrow.StatusRefunded))
	})

	It("finds escrows by job", func() {
		created := submit(ledger.CreateEscrowCall("job_4", employerAddr, workerAddr, wei("1")))

		id, found, err := client.EscrowIDByJob(ctx, "job_4")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(id).To(Equal(ledger.EscrowOf(created.Events[0])))

		_, err = client.GetEscrow(ctx, id+100)
		Expect(ledger.IsNotFound(err)).To(BeTrue())
	})

	It("refuses work while disconnected", func() {
		client.Close()

		_, err := client.Submit(ctx, ledger.ConfirmCompletionCall(1, workerAddr))
		Expect(ledger.IsUnavailable(err)).To(BeTrue())
	})
})

var _ = Describe("New", func() {
	It("builds a simulated client with the configured fee", func() {
		client, err := ledger.New(internal.LedgerConfig{Mode: internal.LedgerModeSimulated, FeeBps: 300}, discardLogger(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Connect(context.Background())).To(Succeed())

		fee, err := client.PlatformFeeBps(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(fee).To(Equal(uint64(300)))
	})

	It("requires an operator key in rpc mode", func() {
		_, err := ledger.New(internal.LedgerConfig{Mode: internal.LedgerModeRPC, ContractAddress: contractAddr.Hex()}, discardLogger(), nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Recorder", func() {
	It("counts calls and injects pending confirmations", func() {
		inner := ledger.NewSimulatedClient(escrow.NewContract(employerAddr, employerAddr, 250), discardLogger())
		rec := ledgertest.NewRecorder(inner)
		ctx := context.Background()
		Expect(rec.Connect(ctx)).To(Succeed())
		rec.PendingConfirmations = 1

		call := ledger.CreateEscrowCall("job_r", employerAddr, workerAddr, wei("1"))
		hash, err := rec.Submit(ctx, call)
		Expect(err).NotTo(HaveOccurred())

		_, err = rec.AwaitConfirmation(ctx, call, hash)
		Expect(err).To(MatchError(ledger.ErrConfirmationPending))
		_, err = rec.AwaitConfirmation(ctx, call, hash)
		Expect(err).NotTo(HaveOccurred())

		Expect(rec.Count("Submit")).To(Equal(1))
		Expect(rec.Count("AwaitConfirmation")).To(Equal(2))
		Expect(rec.Submitted()).To(HaveLen(1))
	})
})

var _ = Describe("Recorder", func() {
	It("leaves connection lifecycle calls out of the total", func() {
		ctx := context.Background()
		contract := escrow.NewContract(
			common.HexToAddress("0x00000000000000000000000000000000000000a1"),
			common.HexToAddress("0x00000000000000000000000000000000000000f1"),
			250,
		)
		rec := ledgertest.NewRecorder(ledger.NewSimulatedClient(contract, discardLogger()))

		Expect(rec.Connect(ctx)).To(Succeed())
		Expect(rec.Connected()).To(BeTrue())
		_ = rec.Operator()
		Expect(rec.Total()).To(BeZero())
		Expect(rec.Count("Connect")).To(Equal(1))

		_, err := rec.PlatformFeeBps(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Total()).To(Equal(1))

		rec.Close()
		Expect(rec.Total()).To(Equal(1))
	})
})
