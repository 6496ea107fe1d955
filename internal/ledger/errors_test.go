package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
)

// revertDataError mimics the JSON-RPC error geth returns for a reverted call.
type revertDataError struct {
	data string
}

func (e revertDataError) Error() string          { return "execution reverted" }
func (e revertDataError) ErrorData() interface{} { return e.data }

var _ = Describe("Classify", func() {
	It("leaves nil alone", func() {
		Expect(ledger.Classify("op", nil)).To(BeNil())
	})

	It("decodes ABI-encoded revert data", func() {
		// Error(string) selector + "Escrow is not funded"
		data := "0x08c379a0" +
			"0000000000000000000000000000000000000000000000000000000000000020" +
			"0000000000000000000000000000000000000000000000000000000000000014" +
			"457363726f77206973206e6f742066756e646564000000000000000000000000"

		err := ledger.Classify("confirmCompletion", revertDataError{data: data})

		reason, ok := ledger.PreconditionReason(err)
		Expect(ok).To(BeTrue())
		Expect(reason).To(Equal("Escrow is not funded"))
	})

	It("reads the reason from a plain revert message", func() {
		err := ledger.Classify("releasePayment", errors.New("execution reverted: Work not completed"))

		reason, ok := ledger.PreconditionReason(err)
		Expect(ok).To(BeTrue())
		Expect(reason).To(Equal("Work not completed"))
	})

	It("treats contract model reverts as preconditions", func() {
		err := ledger.Classify("createEscrow", &escrow.RevertError{Reason: escrow.ReasonAmountZero})

		reason, ok := ledger.PreconditionReason(err)
		Expect(ok).To(BeTrue())
		Expect(reason).To(Equal(escrow.ReasonAmountZero))
	})

	DescribeTable("transient failures",
		func(raw error) {
			Expect(ledger.IsTransient(ledger.Classify("op", raw))).To(BeTrue())
		},
		Entry("deadline", context.DeadlineExceeded),
		Entry("dial failure", &net.OpError{Op: "dial", Err: errors.New("connection refused")}),
		Entry("gateway error", rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}),
		Entry("rate limited", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}),
		Entry("wrapped refusal", fmt.Errorf("post: %w", errors.New("dial tcp: connection refused"))),
	)

	It("does not retry client errors", func() {
		err := ledger.Classify("op", rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"})
		Expect(ledger.IsTransient(err)).To(BeFalse())
	})

	It("maps ethereum.NotFound", func() {
		Expect(ledger.IsNotFound(ledger.Classify("receipt", ethereum.NotFound))).To(BeTrue())
	})

	It("passes confirmation pending through untouched", func() {
		Expect(ledger.Classify("op", ledger.ErrConfirmationPending)).To(MatchError(ledger.ErrConfirmationPending))
	})

	It("keeps already classified errors", func() {
		Expect(ledger.IsUnavailable(ledger.Classify("op", ledger.ErrNotConnected))).To(BeTrue())
	})
})

var _ = Describe("AsAppError", func() {
	It("maps reverts to precondition failures carrying the reason", func() {
		err := ledger.AsAppError(ledger.Classify("releasePayment", &escrow.RevertError{Reason: escrow.ReasonNotCompleted}))

		appErr, ok := internal.IsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(internal.ErrCodePreconditionFailed))
		Expect(appErr.Message).To(ContainSubstring(escrow.ReasonNotCompleted))
	})

	DescribeTable("error kinds",
		func(raw error, want error) {
			Expect(ledger.AsAppError(raw)).To(MatchError(want))
		},
		Entry("not found", ledger.Classify("getEscrow", ethereum.NotFound), internal.ErrEscrowNotFound),
		Entry("disconnected", ledger.ErrNotConnected, internal.ErrServiceUnavailable),
		Entry("transient", ledger.Classify("op", context.DeadlineExceeded), internal.ErrServiceUnavailable),
	)

	It("leaves application errors alone", func() {
		Expect(ledger.AsAppError(internal.ErrDuplicateEscrow)).To(Equal(internal.ErrDuplicateEscrow))
	})
})
