package ledger

import (
	"reflect"
	"testing"
	"time"

	"github.com/ledgermesh/node-rpc/pkg/wire"
)

func TestNewWireRegistry_IDsStable(t *testing.T) {
	reg, err := NewWireRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	// Ledger types extend the protocol core append-only; these positions are
	// part of the deployed wire format.
	want := map[reflect.Type]uint32{
		reflect.TypeOf(AccountBalance{}):  12,
		reflect.TypeOf(TransferReceipt{}): 13,
		reflect.TypeOf(BalanceUpdate{}):   14,
		reflect.TypeOf(NodeInfo{}):        15,
	}
	for typ, id := range want {
		if got := reg.WireID(typ); got != id {
			t.Errorf("%s assigned wire id %d, want %d", typ, got, id)
		}
	}
	if reg.Len() != 15 {
		t.Errorf("registry holds %d codecs, want 15", reg.Len())
	}
}

func TestLedgerCodecs_RoundTrip(t *testing.T) {
	reg, err := NewWireRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	asOf := time.Date(2026, 8, 30, 12, 0, 0, 123456789, time.UTC)
	var id wire.Hash
	for i := range id {
		id[i] = byte(i)
	}

	roundTrip := func(v any) any {
		t.Helper()
		data, err := reg.Encode(v)
		if err != nil {
			t.Fatalf("encode %T: %v", v, err)
		}
		got, err := reg.Decode(data)
		if err != nil {
			t.Fatalf("decode %T: %v", v, err)
		}
		return got
	}

	balance := roundTrip(AccountBalance{Account: "alice", Balance: 100, AsOf: asOf}).(AccountBalance)
	if balance.Account != "alice" || balance.Balance != 100 || !balance.AsOf.Equal(asOf) {
		t.Errorf("account balance changed: %+v", balance)
	}

	receipt := roundTrip(TransferReceipt{ID: id, From: "alice", To: "bob", Amount: 30, AppliedAt: asOf}).(TransferReceipt)
	if receipt.ID != id || receipt.From != "alice" || receipt.To != "bob" || receipt.Amount != 30 || !receipt.AppliedAt.Equal(asOf) {
		t.Errorf("receipt changed: %+v", receipt)
	}

	update := roundTrip(BalanceUpdate{Account: "bob", Balance: 50, Seq: 7}).(BalanceUpdate)
	if update != (BalanceUpdate{Account: "bob", Balance: 50, Seq: 7}) {
		t.Errorf("balance update changed: %+v", update)
	}

	info := roundTrip(NodeInfo{Name: "node-1", Version: "1.2.3", ProtocolVersion: 2, MinClientVersion: ">= 1.0.0"}).(NodeInfo)
	if info != (NodeInfo{Name: "node-1", Version: "1.2.3", ProtocolVersion: 2, MinClientVersion: ">= 1.0.0"}) {
		t.Errorf("node info changed: %+v", info)
	}
}

func TestLedgerCodecs_TruncatedPayloadFailsClosed(t *testing.T) {
	reg, err := NewWireRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	data, err := reg.Encode(TransferReceipt{From: "alice", To: "bob", Amount: 30, AppliedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, n := range []int{5, len(data) / 2, len(data) - 1} {
		if _, err := reg.Decode(data[:n]); err == nil {
			t.Errorf("truncation to %d bytes decoded successfully", n)
		}
	}
}
