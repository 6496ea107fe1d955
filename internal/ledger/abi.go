package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EscrowABI is the interface of the deployed JobEscrow contract. Every
// state-changing method is relayed by the operator account on behalf of the
// party named in its caller argument.
const EscrowABI = `[
  {"type":"function","name":"createEscrow","stateMutability":"payable",
   "inputs":[{"name":"jobId","type":"string"},{"name":"employer","type":"address"},{"name":"worker","type":"address"}],
   "outputs":[{"name":"escrowId","type":"uint256"}]},
  {"type":"function","name":"confirmCompletion","stateMutability":"nonpayable",
   "inputs":[{"name":"escrowId","type":"uint256"},{"name":"caller","type":"address"}],"outputs":[]},
  {"type":"function","name":"releasePayment","stateMutability":"nonpayable",
   "inputs":[{"name":"escrowId","type":"uint256"},{"name":"caller","type":"address"}],"outputs":[]},
  {"type":"function","name":"raiseDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"escrowId","type":"uint256"},{"name":"caller","type":"address"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"resolveDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"escrowId","type":"uint256"},{"name":"releaseToWorker","type":"bool"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view",
   "inputs":[{"name":"escrowId","type":"uint256"}],
   "outputs":[
     {"name":"escrowId","type":"uint256"},
     {"name":"jobId","type":"string"},
     {"name":"employer","type":"address"},
     {"name":"worker","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"platformFee","type":"uint256"},
     {"name":"status","type":"uint8"},
     {"name":"workerConfirmed","type":"bool"},
     {"name":"employerApproved","type":"bool"},
     {"name":"disputed","type":"bool"},
     {"name":"createdAt","type":"uint256"},
     {"name":"completedAt","type":"uint256"},
     {"name":"releasedAt","type":"uint256"}
   ]},
  {"type":"function","name":"escrowIdByJob","stateMutability":"view",
   "inputs":[{"name":"jobId","type":"string"}],"outputs":[{"name":"escrowId","type":"uint256"}]},
  {"type":"function","name":"platformFeeBps","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,
   "inputs":[
     {"name":"escrowId","type":"uint256","indexed":true},
     {"name":"jobId","type":"string","indexed":false},
     {"name":"employer","type":"address","indexed":true},
     {"name":"worker","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"platformFee","type":"uint256","indexed":false}
   ]},
  {"type":"event","name":"WorkCompleted","anonymous":false,
   "inputs":[
     {"name":"escrowId","type":"uint256","indexed":true},
     {"name":"worker","type":"address","indexed":true}
   ]},
  {"type":"event","name":"PaymentReleased","anonymous":false,
   "inputs":[
     {"name":"escrowId","type":"uint256","indexed":true},
     {"name":"worker","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"platformFee","type":"uint256","indexed":false}
   ]},
  {"type":"event","name":"DisputeRaised","anonymous":false,
   "inputs":[
     {"name":"escrowId","type":"uint256","indexed":true},
     {"name":"raisedBy","type":"address","indexed":true},
     {"name":"reason","type":"string","indexed":false}
   ]},
  {"type":"event","name":"DisputeResolved","anonymous":false,
   "inputs":[
     {"name":"escrowId","type":"uint256","indexed":true},
     {"name":"releaseToWorker","type":"bool","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}
   ]}
]`

// ParseEscrowABI parses EscrowABI.
func ParseEscrowABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse escrow abi: %w", err)
	}
	return parsed, nil
}
