package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type EventKind string

const (
	KindEscrowCreated   EventKind = "EscrowCreated"
	KindWorkCompleted   EventKind = "WorkCompleted"
	KindPaymentReleased EventKind = "PaymentReleased"
	KindDisputeRaised   EventKind = "DisputeRaised"
	KindDisputeResolved EventKind = "DisputeResolved"
)

// Event is a decoded contract event. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	escrowID() uint64
}

type EscrowCreated struct {
	EscrowID    uint64
	JobID       string
	Employer    common.Address
	Worker      common.Address
	Amount      *big.Int
	PlatformFee *big.Int
}

type WorkCompleted struct {
	EscrowID uint64
	Worker   common.Address
}

type PaymentReleased struct {
	EscrowID    uint64
	Worker      common.Address
	Amount      *big.Int
	PlatformFee *big.Int
}

type DisputeRaised struct {
	EscrowID uint64
	RaisedBy common.Address
	Reason   string
}

type DisputeResolved struct {
	EscrowID        uint64
	ReleaseToWorker bool
	Amount          *big.Int
}

func (EscrowCreated) Kind() EventKind   { return KindEscrowCreated }
func (WorkCompleted) Kind() EventKind   { return KindWorkCompleted }
func (PaymentReleased) Kind() EventKind { return KindPaymentReleased }
func (DisputeRaised) Kind() EventKind   { return KindDisputeRaised }
func (DisputeResolved) Kind() EventKind { return KindDisputeResolved }

func (e EscrowCreated) escrowID() uint64   { return e.EscrowID }
func (e WorkCompleted) escrowID() uint64   { return e.EscrowID }
func (e PaymentReleased) escrowID() uint64 { return e.EscrowID }
func (e DisputeRaised) escrowID() uint64   { return e.EscrowID }
func (e DisputeResolved) escrowID() uint64 { return e.EscrowID }

// EscrowOf returns the escrow an event refers to.
func EscrowOf(ev Event) uint64 { return ev.escrowID() }

// ExpectedEvent is the event a successful call of op must emit.
func ExpectedEvent(op Operation) EventKind {
	switch op {
	case OpCreateEscrow:
		return KindEscrowCreated
	case OpConfirmCompletion:
		return KindWorkCompleted
	case OpReleasePayment:
		return KindPaymentReleased
	case OpRaiseDispute:
		return KindDisputeRaised
	case OpResolveDispute:
		return KindDisputeResolved
	}
	return ""
}

// FindEvent returns the first event of the kind op must emit, or a
// ProtocolMismatch error if the receipt does not carry it.
func FindEvent(op Operation, escrowID uint64, events []Event) (Event, error) {
	want := ExpectedEvent(op)
	for _, ev := range events {
		if ev.Kind() != want {
			continue
		}
		if op != OpCreateEscrow && ev.escrowID() != escrowID {
			continue
		}
		return ev, nil
	}
	return nil, mismatch(string(op), "receipt has no %s event", want)
}

// raw event layouts; field names must equal abi.ToCamelCase of the ABI names
// so that abi.ParseTopics can set indexed fields.
type (
	rawEscrowCreated struct {
		EscrowId    *big.Int
		JobId       string
		Employer    common.Address
		Worker      common.Address
		Amount      *big.Int
		PlatformFee *big.Int
	}
	rawWorkCompleted struct {
		EscrowId *big.Int
		Worker   common.Address
	}
	rawPaymentReleased struct {
		EscrowId    *big.Int
		Worker      common.Address
		Amount      *big.Int
		PlatformFee *big.Int
	}
	rawDisputeRaised struct {
		EscrowId *big.Int
		RaisedBy common.Address
		Reason   string
	}
	rawDisputeResolved struct {
		EscrowId        *big.Int
		ReleaseToWorker bool
		Amount          *big.Int
	}
)

// Decoder turns receipt logs of the escrow contract into typed events.
type Decoder struct {
	abi      abi.ABI
	contract common.Address
}

func NewDecoder(contract common.Address) (*Decoder, error) {
	parsed, err := ParseEscrowABI()
	if err != nil {
		return nil, err
	}
	return &Decoder{abi: parsed, contract: contract}, nil
}

// DecodeReceipt decodes every log emitted by the contract. Logs from other
// addresses are ignored; an undecodable contract log fails the whole receipt.
func (d *Decoder) DecodeReceipt(receipt *types.Receipt) ([]Event, error) {
	events := make([]Event, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != d.contract {
			continue
		}
		ev, err := d.DecodeLog(*lg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *Decoder) DecodeLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, mismatch("decode", "log without topics at index %d", lg.Index)
	}
	def, err := d.abi.EventByID(lg.Topics[0])
	if err != nil {
		return nil, mismatch("decode", "unknown event topic %s", lg.Topics[0].Hex())
	}

	var indexed abi.Arguments
	for _, in := range def.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, mismatch("decode", "%s: expected %d indexed topics, got %d", def.Name, len(indexed), len(lg.Topics)-1)
	}

	switch EventKind(def.Name) {
	case KindEscrowCreated:
		var raw rawEscrowCreated
		if err := d.unpack(&raw, def.Name, indexed, lg); err != nil {
			return nil, err
		}
		id, err := escrowIDFrom(def.Name, raw.EscrowId)
		if err != nil {
			return nil, err
		}
		if raw.Amount == nil || raw.PlatformFee == nil {
			return nil, mismatch("decode", "%s: missing amount fields", def.Name)
		}
		return EscrowCreated{
			EscrowID:    id,
			JobID:       raw.JobId,
			Employer:    raw.Employer,
			Worker:      raw.Worker,
			Amount:      raw.Amount,
			PlatformFee: raw.PlatformFee,
		}, nil

	case KindWorkCompleted:
		var raw rawWorkCompleted
		if err := d.unpack(&raw, def.Name, indexed, lg); err != nil {
			return nil, err
		}
		id, err := escrowIDFrom(def.Name, raw.EscrowId)
		if err != nil {
			return nil, err
		}
		return WorkCompleted{EscrowID: id, Worker: raw.Worker}, nil

	case KindPaymentReleased:
		var raw rawPaymentReleased
		if err := d.unpack(&raw, def.Name, indexed, lg); err != nil {
			return nil, err
		}
		id, err := escrowIDFrom(def.Name, raw.EscrowId)
		if err != nil {
			return nil, err
		}
		if raw.Amount == nil || raw.PlatformFee == nil {
			return nil, mismatch("decode", "%s: missing amount fields", def.Name)
		}
		return PaymentReleased{EscrowID: id, Worker: raw.Worker, Amount: raw.Amount, PlatformFee: raw.PlatformFee}, nil

	case KindDisputeRaised:
		var raw rawDisputeRaised
		if err := d.unpack(&raw, def.Name, indexed, lg); err != nil {
			return nil, err
		}
		id, err := escrowIDFrom(def.Name, raw.EscrowId)
		if err != nil {
			return nil, err
		}
		return DisputeRaised{EscrowID: id, RaisedBy: raw.RaisedBy, Reason: raw.Reason}, nil

	case KindDisputeResolved:
		var raw rawDisputeResolved
		if err := d.unpack(&raw, def.Name, indexed, lg); err != nil {
			return nil, err
		}
		id, err := escrowIDFrom(def.Name, raw.EscrowId)
		if err != nil {
			return nil, err
		}
		if raw.Amount == nil {
			return nil, mismatch("decode", "%s: missing amount", def.Name)
		}
		return DisputeResolved{EscrowID: id, ReleaseToWorker: raw.ReleaseToWorker, Amount: raw.Amount}, nil
	}

	return nil, mismatch("decode", "event %s has no typed decoder", def.Name)
}

func (d *Decoder) unpack(out interface{}, name string, indexed abi.Arguments, lg types.Log) error {
	if len(d.abi.Events[name].Inputs.NonIndexed()) > 0 {
		if err := d.abi.UnpackIntoInterface(out, name, lg.Data); err != nil {
			return mismatch("decode", "%s data: %v", name, err)
		}
	}
	if err := abi.ParseTopics(out, indexed, lg.Topics[1:]); err != nil {
		return mismatch("decode", "%s topics: %v", name, err)
	}
	return nil
}

func escrowIDFrom(event string, id *big.Int) (uint64, error) {
	if id == nil || id.Sign() <= 0 || !id.IsUint64() {
		return 0, mismatch("decode", "%s: invalid escrow id", event)
	}
	return id.Uint64(), nil
}
