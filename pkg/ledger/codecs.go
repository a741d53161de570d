package ledger

import (
	"reflect"
	"time"

	"github.com/ledgermesh/node-rpc/pkg/wire"
)

// NewWireRegistry builds the node's full codec registry: the protocol core
// first, then the ledger types. Both lists are append-only; server and
// client must construct identical registries or wire ids diverge.
func NewWireRegistry() (*wire.Registry, error) {
	return wire.NewRegistry(append(wire.CoreCodecs(),
		accountBalanceCodec{},  // 12
		transferReceiptCodec{}, // 13
		balanceUpdateCodec{},   // 14
		nodeInfoCodec{},        // 15
	)...)
}

type accountBalanceCodec struct{}

func (accountBalanceCodec) Type() reflect.Type { return reflect.TypeOf(AccountBalance{}) }
func (accountBalanceCodec) Encode(w *wire.Writer, v any) error {
	b := v.(AccountBalance)
	w.WriteString(b.Account)
	w.WriteInt64(b.Balance)
	w.WriteInt64(b.AsOf.UnixNano())
	return nil
}
func (accountBalanceCodec) Decode(r *wire.Reader) (any, error) {
	var b AccountBalance
	var err error
	if b.Account, err = r.ReadString(); err != nil {
		return nil, err
	}
	if b.Balance, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	nanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	b.AsOf = time.Unix(0, nanos).UTC()
	return b, nil
}

type transferReceiptCodec struct{}

func (transferReceiptCodec) Type() reflect.Type { return reflect.TypeOf(TransferReceipt{}) }
func (transferReceiptCodec) Encode(w *wire.Writer, v any) error {
	t := v.(TransferReceipt)
	w.WriteRaw(t.ID[:])
	w.WriteString(t.From)
	w.WriteString(t.To)
	w.WriteInt64(t.Amount)
	w.WriteInt64(t.AppliedAt.UnixNano())
	return nil
}
func (transferReceiptCodec) Decode(r *wire.Reader) (any, error) {
	var t TransferReceipt
	id, err := r.ReadRaw(len(t.ID))
	if err != nil {
		return nil, err
	}
	copy(t.ID[:], id)
	if t.From, err = r.ReadString(); err != nil {
		return nil, err
	}
	if t.To, err = r.ReadString(); err != nil {
		return nil, err
	}
	if t.Amount, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	nanos, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	t.AppliedAt = time.Unix(0, nanos).UTC()
	return t, nil
}

type balanceUpdateCodec struct{}

func (balanceUpdateCodec) Type() reflect.Type { return reflect.TypeOf(BalanceUpdate{}) }
func (balanceUpdateCodec) Encode(w *wire.Writer, v any) error {
	u := v.(BalanceUpdate)
	w.WriteString(u.Account)
	w.WriteInt64(u.Balance)
	w.WriteUint64(u.Seq)
	return nil
}
func (balanceUpdateCodec) Decode(r *wire.Reader) (any, error) {
	var u BalanceUpdate
	var err error
	if u.Account, err = r.ReadString(); err != nil {
		return nil, err
	}
	if u.Balance, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if u.Seq, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	return u, nil
}

type nodeInfoCodec struct{}

func (nodeInfoCodec) Type() reflect.Type { return reflect.TypeOf(NodeInfo{}) }
func (nodeInfoCodec) Encode(w *wire.Writer, v any) error {
	n := v.(NodeInfo)
	w.WriteString(n.Name)
	w.WriteString(n.Version)
	w.WriteUint32(n.ProtocolVersion)
	w.WriteString(n.MinClientVersion)
	return nil
}
func (nodeInfoCodec) Decode(r *wire.Reader) (any, error) {
	var n NodeInfo
	var err error
	if n.Name, err = r.ReadString(); err != nil {
		return nil, err
	}
	if n.Version, err = r.ReadString(); err != nil {
		return nil, err
	}
	if n.ProtocolVersion, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if n.MinClientVersion, err = r.ReadString(); err != nil {
		return nil, err
	}
	return n, nil
}
