package ledger_test

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/escrow-settlement/internal/ledger"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	employerAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	workerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func escrowABI() abi.ABI {
	parsed, err := ledger.ParseEscrowABI()
	Expect(err).NotTo(HaveOccurred())
	return parsed
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func escrowCreatedLog(id int64, jobID string, amount, fee *big.Int) *types.Log {
	ev := escrowABI().Events["EscrowCreated"]
	data, err := ev.Inputs.NonIndexed().Pack(jobID, amount, fee)
	Expect(err).NotTo(HaveOccurred())
	return &types.Log{
		Address: contractAddr,
		Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(id)), addressTopic(employerAddr), addressTopic(workerAddr)},
		Data:    data,
	}
}

func workCompletedLog(id int64) *types.Log {
	ev := escrowABI().Events["WorkCompleted"]
	return &types.Log{
		Address: contractAddr,
		Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(id)), addressTopic(workerAddr)},
	}
}

func disputeRaisedLog(id int64, reason string) *types.Log {
	ev := escrowABI().Events["DisputeRaised"]
	data, err := ev.Inputs.NonIndexed().Pack(reason)
	Expect(err).NotTo(HaveOccurred())
	return &types.Log{
		Address: contractAddr,
		Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(id)), addressTopic(employerAddr)},
		Data:    data,
	}
}

func disputeResolvedLog(id int64, releaseToWorker bool, amount *big.Int) *types.Log {
	ev := escrowABI().Events["DisputeResolved"]
	data, err := ev.Inputs.NonIndexed().Pack(releaseToWorker, amount)
	Expect(err).NotTo(HaveOccurred())
	return &types.Log{
		Address: contractAddr,
		Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(id))},
		Data:    data,
	}
}

var _ = Describe("Decoder", func() {
	var decoder *ledger.Decoder

	BeforeEach(func() {
		var err error
		decoder, err = ledger.NewDecoder(contractAddr)
		Expect(err).NotTo(HaveOccurred())
	})

	It("decodes EscrowCreated into its typed form", func() {
		ev, err := decoder.DecodeLog(*escrowCreatedLog(7, "job_123", big.NewInt(975), big.NewInt(25)))

		Expect(err).NotTo(HaveOccurred())
		created, ok := ev.(ledger.EscrowCreated)
		Expect(ok).To(BeTrue())
		Expect(created.EscrowID).To(Equal(uint64(7)))
		Expect(created.JobID).To(Equal("job_123"))
		Expect(created.Employer).To(Equal(employerAddr))
		Expect(created.Worker).To(Equal(workerAddr))
		Expect(created.Amount.Int64()).To(Equal(int64(975)))
		Expect(created.PlatformFee.Int64()).To(Equal(int64(25)))
	})

	It("decodes events whose fields are all indexed", func() {
		ev, err := decoder.DecodeLog(*workCompletedLog(3))

		Expect(err).NotTo(HaveOccurred())
		Expect(ev).To(Equal(ledger.WorkCompleted{EscrowID: 3, Worker: workerAddr}))
	})

	It("decodes dispute events", func() {
		ev, err := decoder.DecodeLog(*disputeRaisedLog(4, "missed deadline"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ev).To(Equal(ledger.DisputeRaised{EscrowID: 4, RaisedBy: employerAddr, Reason: "missed deadline"}))

		ev, err = decoder.DecodeLog(*disputeResolvedLog(4, false, big.NewInt(10)))
		Expect(err).NotTo(HaveOccurred())
		resolved := ev.(ledger.DisputeResolved)
		Expect(resolved.ReleaseToWorker).To(BeFalse())
		Expect(ledger.EscrowOf(resolved)).To(Equal(uint64(4)))
	})

	It("rejects an unknown topic as a protocol mismatch", func() {
		lg := types.Log{
			Address: contractAddr,
			Topics:  []common.Hash{crypto.Keccak256Hash([]byte("EscrowMigrated(uint256)")), common.BigToHash(big.NewInt(1))},
		}

		_, err := decoder.DecodeLog(lg)
		Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
	})

	It("rejects a known event with the wrong number of indexed topics", func() {
		lg := workCompletedLog(3)
		lg.Topics = lg.Topics[:2]

		_, err := decoder.DecodeLog(*lg)
		Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
	})

	It("rejects truncated event data", func() {
		lg := escrowCreatedLog(7, "job_123", big.NewInt(975), big.NewInt(25))
		lg.Data = lg.Data[:40]

		_, err := decoder.DecodeLog(*lg)
		Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
	})

	It("rejects a zero escrow id", func() {
		_, err := decoder.DecodeLog(*workCompletedLog(0))
		Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
	})

	It("only decodes logs of the escrow contract", func() {
		foreign := workCompletedLog(9)
		foreign.Address = common.HexToAddress("0x0000000000000000000000000000000000000bad")
		receipt := &types.Receipt{Logs: []*types.Log{foreign, workCompletedLog(3)}}

		events, err := decoder.DecodeReceipt(receipt)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(ledger.EscrowOf(events[0])).To(Equal(uint64(3)))
	})

	Describe("FindEvent", func() {
		It("returns the event the operation must emit", func() {
			events := []ledger.Event{ledger.WorkCompleted{EscrowID: 3, Worker: workerAddr}}

			ev, err := ledger.FindEvent(ledger.OpConfirmCompletion, 3, events)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Kind()).To(Equal(ledger.KindWorkCompleted))
		})

		It("reports a missing event as a protocol mismatch", func() {
			events := []ledger.Event{ledger.WorkCompleted{EscrowID: 3, Worker: workerAddr}}

			_, err := ledger.FindEvent(ledger.OpReleasePayment, 3, events)
			Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
		})

		It("ignores events for other escrows", func() {
			events := []ledger.Event{ledger.WorkCompleted{EscrowID: 4, Worker: workerAddr}}

			_, err := ledger.FindEvent(ledger.OpConfirmCompletion, 3, events)
			Expect(ledger.IsProtocolMismatch(err)).To(BeTrue())
		})
	})
})
