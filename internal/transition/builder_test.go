package transition

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/amm"
	"github.com/atmx/lbe-engine/internal/asset"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/validation"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	base  = asset.MustParse("aa000000000000000000000000000000000000000000000000000000.544f4b")
	start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end   = start.Add(72 * time.Hour)
	rent  = d("2")
)

// world applies sealed txs to an in-test record set.
type world struct {
	t    *testing.T
	b    *Builder
	live []model.Record
}

func newWorld(t *testing.T) *world {
	cfg := DefaultConfig()
	cfg.RecordRent = rent
	cfg.DefaultSellerCount = 2
	w := &world{t: t, b: NewBuilder(cfg)}
	for i, reg := range []model.EventID{model.RegistryLBE, model.RegistryAMM} {
		r := model.NewFactoryRecord(reg, model.FactoryEntry{Head: model.FactoryHead, Tail: model.FactoryTail}, asset.Lovelaces(rent))
		r.ID = model.RecordID("genesis#" + string(rune('0'+i)))
		w.live = append(w.live, r)
	}
	return w
}

func (w *world) build(step Step, now time.Time) *model.Tx {
	w.t.Helper()
	tx, err := w.b.Build(step, now)
	if err != nil {
		w.t.Fatalf("build %s: %v", step.Kind(), err)
	}
	return tx
}

func (w *world) apply(step Step, now time.Time) *model.Tx {
	w.t.Helper()
	tx := w.build(step, now)
	tx.Seal()
	spent := map[model.RecordID]bool{}
	for _, id := range tx.ConsumedIDs() {
		spent[id] = true
	}
	kept := w.live[:0]
	for _, r := range w.live {
		if !spent[r.ID] {
			kept = append(kept, r)
		}
	}
	w.live = append(kept, tx.Produced...)
	return tx
}

func (w *world) all(kind model.Kind, id model.EventID) []model.Record {
	var out []model.Record
	for _, r := range w.live {
		if r.Kind == kind && r.EventID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *world) one(kind model.Kind, id model.EventID) model.Record {
	w.t.Helper()
	rs := w.all(kind, id)
	if len(rs) != 1 {
		w.t.Fatalf("expected one %s, found %d", kind, len(rs))
	}
	return rs[0]
}

func (w *world) orderOf(id model.EventID, owner string) *model.Record {
	for _, r := range w.all(model.KindOrder, id) {
		if r.Order.Owner == owner {
			return &r
		}
	}
	return nil
}

func (w *world) bracketing(reg, id model.EventID) model.Record {
	for _, r := range w.all(model.KindFactory, reg) {
		if r.Factory.Brackets(string(id)) {
			return r
		}
	}
	w.t.Fatalf("no %s entry brackets %s", reg, id)
	return model.Record{}
}

func params() model.EventParams {
	return model.EventParams{
		BaseAsset:      base,
		RaiseAsset:     asset.Lovelace,
		ReserveBase:    d("1000"),
		StartTime:      start,
		EndTime:        end,
		MinimumRaise:   model.DecimalPtr(d("100")),
		PoolAllocation: 100,
		PoolBaseFee:    30,
		Penalty:        &model.PenaltyConfig{StartTime: start.Add(48 * time.Hour), Percent: 20},
		Owner:          "addr_owner",
		Receiver:       "addr_receiver",
	}
}

func (w *world) create(p model.EventParams) model.EventID {
	w.t.Helper()
	w.apply(Create{Factory: w.bracketing(model.RegistryLBE, p.EventID()), Params: p}, start.Add(-time.Hour))
	return p.EventID()
}

func (w *world) order(id model.EventID, owner string, delta string, now time.Time) *model.Tx {
	w.t.Helper()
	existing := w.orderOf(id, owner)
	idx := int64(0)
	if existing != nil {
		idx = existing.Order.SellerIndex
	}
	var seller model.Record
	for _, s := range w.all(model.KindSeller, id) {
		if s.Seller.Index == idx {
			seller = s
		}
	}
	return w.apply(Order{
		Treasury: w.one(model.KindTreasury, id),
		Seller:   seller,
		Existing: existing,
		Owner:    owner,
		Delta:    d(delta),
	}, now)
}

// collect drives the worker transitions up to the settlement decision.
func (w *world) collect(id model.EventID) {
	w.t.Helper()
	after := end.Add(time.Minute)
	w.apply(CountSellers{
		Treasury: w.one(model.KindTreasury, id),
		Manager:  w.one(model.KindManager, id),
		Sellers:  w.all(model.KindSeller, id),
	}, after)
	w.apply(CollectManager{Treasury: w.one(model.KindTreasury, id), Manager: w.one(model.KindManager, id)}, after)
	w.apply(CollectOrders{Treasury: w.one(model.KindTreasury, id), Orders: w.all(model.KindOrder, id)}, after)
}

func TestCreate(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())

	if got := len(w.all(model.KindSeller, id)); got != 2 {
		t.Fatalf("expected 2 default sellers, got %d", got)
	}
	m := w.one(model.KindManager, id)
	if m.Manager.SellerCount != 2 {
		t.Fatalf("expected seller count 2, got %d", m.Manager.SellerCount)
	}
	tr := w.one(model.KindTreasury, id)
	want := asset.Lovelaces(rent).Add(base, d("1000"))
	if !tr.Value.Equal(want) {
		t.Fatalf("treasury value %s, want %s", tr.Value, want)
	}

	heads := map[string]string{}
	for _, f := range w.all(model.KindFactory, model.RegistryLBE) {
		heads[f.Factory.Head] = f.Factory.Tail
	}
	if diff := cmp.Diff(map[string]string{model.FactoryHead: string(id), string(id): model.FactoryTail}, heads); diff != "" {
		t.Fatalf("lbe registry mismatch (-want +got):\n%s", diff)
	}

	// The pair is now registered; no entry brackets it any more.
	for _, f := range w.all(model.KindFactory, model.RegistryLBE) {
		if _, err := w.b.Build(Create{Factory: f, Params: params()}, start.Add(-time.Hour)); !errors.Is(err, validation.ErrFactoryMismatch) {
			t.Fatalf("expected ErrFactoryMismatch, got %v", err)
		}
	}
}

func TestOrderPenaltyAndDestroy(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	during := start.Add(time.Hour)
	late := start.Add(50 * time.Hour)

	w.order(id, "alice", "100", during)
	tx := w.order(id, "alice", "-40", late)

	o := w.orderOf(id, "alice")
	if !o.Order.Amount.Equal(d("60")) || !o.Order.PenaltyAmount.Equal(d("8")) {
		t.Fatalf("expected amount 60 penalty 8, got %s/%s", o.Order.Amount, o.Order.PenaltyAmount)
	}
	if len(tx.Outputs) != 1 || !tx.Outputs[0].Value.Equal(asset.Lovelaces(d("32"))) {
		t.Fatalf("expected payout of 32, got %+v", tx.Outputs)
	}
	s := w.all(model.KindSeller, id)[0]
	if !s.Seller.Amount.Equal(d("60")) || !s.Seller.PenaltyAmount.Equal(d("8")) {
		t.Fatalf("seller totals %s/%s", s.Seller.Amount, s.Seller.PenaltyAmount)
	}

	w.order(id, "bob", "50", during)
	tx = w.order(id, "bob", "-50", during)
	if w.orderOf(id, "bob") != nil {
		t.Fatal("empty order should be destroyed")
	}
	if !tx.Outputs[0].Value.Equal(asset.Lovelaces(d("50").Add(rent))) {
		t.Fatalf("expected funds plus rent back, got %s", tx.Outputs[0].Value)
	}
}

func TestOrderRejectsFractionalWithdrawal(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	w.order(id, "alice", "1000", start.Add(time.Hour))

	o := w.orderOf(id, "alice")
	var seller model.Record
	for _, s := range w.all(model.KindSeller, id) {
		if s.Seller.Index == o.Order.SellerIndex {
			seller = s
		}
	}
	_, err := w.b.Build(Order{
		Treasury: w.one(model.KindTreasury, id),
		Seller:   seller,
		Existing: o,
		Owner:    "alice",
		Delta:    d("-999.5"),
	}, start.Add(50*time.Hour))
	if validation.NameOf(err) != "FractionalAmount" {
		t.Fatalf("expected FractionalAmount, got %v", err)
	}
	if got := w.orderOf(id, "alice").Order.Amount; !got.Equal(d("1000")) {
		t.Fatalf("order changed to %s", got)
	}
}

func TestCollectionConservesFunds(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	during := start.Add(time.Hour)
	w.order(id, "alice", "300", during)
	w.order(id, "bob", "100", during)
	w.order(id, "bob", "-50", start.Add(50*time.Hour))

	held := func() decimal.Decimal {
		sum := decimal.Zero
		for _, r := range w.all(model.KindOrder, id) {
			if !r.Order.IsCollected {
				sum = sum.Add(r.Order.Total())
			}
		}
		if ms := w.all(model.KindManager, id); len(ms) == 1 {
			sum = sum.Add(ms[0].Manager.ReserveRaise).Add(ms[0].Manager.TotalPenalty)
		}
		return sum.Add(w.one(model.KindTreasury, id).Treasury.CollectedFund)
	}
	before := held()
	if !before.Equal(d("360")) {
		t.Fatalf("expected 360 held before collection, got %s", before)
	}

	w.collect(id)
	tr := w.one(model.KindTreasury, id).Treasury
	want := model.Treasury{
		EventParams:        params(),
		CollectedFund:      d("360"),
		ReserveRaise:       d("350"),
		TotalPenalty:       d("10"),
		IsManagerCollected: true,
	}
	if diff := cmp.Diff(want, *tr); diff != "" {
		t.Fatalf("treasury mismatch (-want +got):\n%s", diff)
	}
	if len(w.all(model.KindSeller, id)) != 0 || len(w.all(model.KindManager, id)) != 0 {
		t.Fatal("sellers and manager should be consumed")
	}
	if !held().Equal(before) {
		t.Fatalf("funds moved tiers unevenly: %s -> %s", before, held())
	}
}

func TestCountSellersBatch(t *testing.T) {
	w := newWorld(t)
	w.b.cfg.SellerBatchSize = 1
	id := w.create(params())

	after := end.Add(time.Minute)
	sellers := w.all(model.KindSeller, id)
	_, err := w.b.Build(CountSellers{Treasury: w.one(model.KindTreasury, id), Manager: w.one(model.KindManager, id), Sellers: sellers}, after)
	if !errors.Is(err, validation.ErrBatchSize) {
		t.Fatalf("expected ErrBatchSize, got %v", err)
	}

	prev := w.one(model.KindManager, id).Manager.SellerCount
	for range sellers {
		w.apply(CountSellers{
			Treasury: w.one(model.KindTreasury, id),
			Manager:  w.one(model.KindManager, id),
			Sellers:  w.all(model.KindSeller, id)[:1],
		}, after)
		next := w.one(model.KindManager, id).Manager.SellerCount
		if next > prev || next < 0 {
			t.Fatalf("seller count went from %d to %d", prev, next)
		}
		prev = next
	}
	if prev != 0 {
		t.Fatalf("expected all sellers counted, %d left", prev)
	}
}

func TestCreatePoolAndRedeem(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	during := start.Add(time.Hour)
	w.order(id, "alice", "40", during)
	w.order(id, "bob", "360", during)
	w.collect(id)

	tx := w.apply(CreatePool{
		Treasury: w.one(model.KindTreasury, id),
		Factory:  w.bracketing(model.RegistryAMM, id),
	}, end.Add(time.Minute))

	lp := amm.LPAsset(id)
	if !tx.Mint.Equal(asset.New(lp, d("622"))) {
		t.Fatalf("expected 622 LP minted, got %s", tx.Mint)
	}
	pool := w.one(model.KindPool, id).Pool
	if !pool.TotalLiquidity.Equal(d("632")) {
		t.Fatalf("expected pool liquidity 632, got %s", pool.TotalLiquidity)
	}
	tr := w.one(model.KindTreasury, id)
	if !tr.Treasury.TotalLiquidity.Equal(d("622")) || tr.Value.Get(lp).Cmp(d("622")) != 0 {
		t.Fatalf("treasury should hold 622 LP, got %s", tr.Value)
	}

	tx = w.apply(Redeem{Treasury: tr, Orders: w.all(model.KindOrder, id)}, end.Add(time.Hour))
	paid := map[string]decimal.Decimal{}
	for _, p := range tx.Outputs {
		paid[p.Address] = p.Value.Get(lp)
	}
	if !paid["alice"].Equal(d("62")) || !paid["bob"].Equal(d("559")) {
		t.Fatalf("unexpected LP payouts %v", paid)
	}
	tr = w.one(model.KindTreasury, id)
	if !tr.Treasury.CollectedFund.IsZero() {
		t.Fatalf("expected collected fund drained, got %s", tr.Treasury.CollectedFund)
	}
	if got := tr.Value.Get(lp); !got.Equal(d("1")) {
		t.Fatalf("expected 1 LP rounding remainder, got %s", got)
	}
}

func TestRedeemInBatches(t *testing.T) {
	w := newWorld(t)
	p := params()
	p.MaximumRaise = model.DecimalPtr(d("200"))
	id := w.create(p)
	during := start.Add(time.Hour)
	w.order(id, "alice", "121", during)
	w.order(id, "alice", "-20", start.Add(50*time.Hour))
	w.order(id, "bob", "150", during)
	w.order(id, "carol", "50", during)
	w.collect(id)

	w.apply(CreatePool{Treasury: w.one(model.KindTreasury, id), Factory: w.bracketing(model.RegistryAMM, id)}, end.Add(time.Minute))
	settled := *w.one(model.KindTreasury, id).Treasury
	if !settled.TotalLiquidity.Equal(d("437")) || !settled.ReserveRaise.Equal(d("301")) || !settled.TotalPenalty.Equal(d("4")) {
		t.Fatalf("unexpected settlement %s/%s/%s", settled.TotalLiquidity, settled.ReserveRaise, settled.TotalPenalty)
	}
	excess := d("105")

	w.b.cfg.OrderBatchSize = 1
	lp := amm.LPAsset(id)
	lpPaid := map[string]decimal.Decimal{}
	bonusPaid := map[string]decimal.Decimal{}
	for len(w.all(model.KindOrder, id)) > 0 {
		before := *w.one(model.KindTreasury, id).Treasury
		o := w.all(model.KindOrder, id)[0]
		tx := w.apply(Redeem{Treasury: w.one(model.KindTreasury, id), Orders: []model.Record{o}}, end.Add(time.Hour))

		after := *w.one(model.KindTreasury, id).Treasury
		if !after.ReserveRaise.Equal(settled.ReserveRaise) || !after.TotalPenalty.Equal(settled.TotalPenalty) || !after.TotalLiquidity.Equal(settled.TotalLiquidity) {
			t.Fatalf("redeem moved the pro-rata denominators: %+v", after)
		}
		if want := before.CollectedFund.Sub(o.Order.Total()); !after.CollectedFund.Equal(want) {
			t.Fatalf("collected fund %s, want %s", after.CollectedFund, want)
		}
		lpPaid[o.Order.Owner] = tx.Outputs[0].Value.Get(lp)
		bonusPaid[o.Order.Owner] = tx.Outputs[0].Value.Get(asset.Lovelace).Sub(rent)
	}

	eq := cmp.Comparer(decimal.Decimal.Equal)
	if diff := cmp.Diff(map[string]decimal.Decimal{"alice": d("146"), "bob": d("217"), "carol": d("72")}, lpPaid, eq); diff != "" {
		t.Fatalf("LP payouts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]decimal.Decimal{"alice": d("35"), "bob": d("52"), "carol": d("17")}, bonusPaid, eq); diff != "" {
		t.Fatalf("bonus payouts (-want +got):\n%s", diff)
	}

	sumLP, sumBonus := decimal.Zero, decimal.Zero
	for owner := range lpPaid {
		sumLP = sumLP.Add(lpPaid[owner])
		sumBonus = sumBonus.Add(bonusPaid[owner])
	}
	if sumLP.GreaterThan(settled.TotalLiquidity) || sumBonus.GreaterThan(excess) {
		t.Fatalf("paid %s LP and %s bonus, above %s and %s", sumLP, sumBonus, settled.TotalLiquidity, excess)
	}
	tr := w.one(model.KindTreasury, id)
	if !tr.Treasury.CollectedFund.IsZero() {
		t.Fatalf("expected collected fund drained, got %s", tr.Treasury.CollectedFund)
	}
	if got := tr.Value.Get(lp); !got.Equal(settled.TotalLiquidity.Sub(sumLP)) {
		t.Fatalf("treasury keeps %s LP, want %s", got, settled.TotalLiquidity.Sub(sumLP))
	}
}

func TestCancelCreatedElsewhere(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	pool := model.NewPoolRecord(id, model.Pool{
		AssetA: asset.Lovelace, AssetB: base,
		ReserveA: d("500"), ReserveB: d("500"), TotalLiquidity: d("500"),
		BaseFee: 30,
	}, asset.Lovelaces(rent))
	pool.ID = "elsewhere#0"
	w.live = append(w.live, pool)

	stray := pool
	stray.EventID = model.EventID("other")
	if _, err := w.b.Build(CancelCreatedElsewhere{Treasury: w.one(model.KindTreasury, id), Pool: stray}, end); !errors.Is(err, validation.ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}

	tx := w.apply(CancelCreatedElsewhere{Treasury: w.one(model.KindTreasury, id), Pool: pool}, end)
	if len(tx.References) != 1 || tx.References[0].ID != pool.ID {
		t.Fatalf("pool should be referenced, got %+v", tx.References)
	}
	for _, r := range tx.Consumed {
		if r.ID == pool.ID {
			t.Fatal("pool must not be consumed")
		}
	}
	if !w.one(model.KindTreasury, id).Treasury.IsCancelled {
		t.Fatal("treasury should be cancelled")
	}
	if len(w.all(model.KindPool, id)) != 1 {
		t.Fatal("pool should stay live")
	}
	if _, err := w.b.Build(CancelCreatedElsewhere{Treasury: w.one(model.KindTreasury, id), Pool: pool}, end); !errors.Is(err, validation.ErrEventAlreadyCancelled) {
		t.Fatalf("expected ErrEventAlreadyCancelled, got %v", err)
	}
}

func TestCancelRefundClose(t *testing.T) {
	w := newWorld(t)
	p := params()
	p.MinimumRaise = model.DecimalPtr(d("500"))
	id := w.create(p)
	during := start.Add(time.Hour)
	w.order(id, "alice", "100", during)
	w.order(id, "alice", "-50", start.Add(50*time.Hour))
	w.order(id, "bob", "200", during)
	w.collect(id)

	if _, err := w.b.Build(CreatePool{Treasury: w.one(model.KindTreasury, id), Factory: w.bracketing(model.RegistryAMM, id)}, end); !errors.Is(err, validation.ErrRaiseBelowMinimum) {
		t.Fatalf("expected ErrRaiseBelowMinimum, got %v", err)
	}
	w.apply(CancelBelowMinimum{Treasury: w.one(model.KindTreasury, id)}, end)

	tx := w.apply(Refund{Treasury: w.one(model.KindTreasury, id), Orders: w.all(model.KindOrder, id)}, end)
	refunds := map[string]decimal.Decimal{}
	for _, p := range tx.Outputs {
		refunds[p.Address] = p.Value.Get(asset.Lovelace).Sub(rent)
	}
	if diff := cmp.Diff(map[string]decimal.Decimal{"alice": d("60"), "bob": d("200")}, refunds, cmp.Comparer(decimal.Decimal.Equal)); diff != "" {
		t.Fatalf("refunds mismatch (-want +got):\n%s", diff)
	}

	tr := w.one(model.KindTreasury, id)
	var left, right model.Record
	for _, f := range w.all(model.KindFactory, model.RegistryLBE) {
		if f.Factory.Tail == string(id) {
			left = f
		}
		if f.Factory.Head == string(id) {
			right = f
		}
	}
	if _, err := w.b.Build(Close{Treasury: tr, Left: left, Right: right, Caller: "addr_mallory"}, end); !errors.Is(err, validation.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	tx = w.apply(Close{Treasury: tr, Left: left, Right: right, Caller: "addr_owner"}, end)

	if len(w.all(model.KindTreasury, id)) != 0 {
		t.Fatal("treasury should be gone")
	}
	entries := w.all(model.KindFactory, model.RegistryLBE)
	if len(entries) != 1 || entries[0].Factory.Head != model.FactoryHead || entries[0].Factory.Tail != model.FactoryTail {
		t.Fatalf("registry not restored: %+v", entries)
	}
	want := asset.Lovelaces(rent.Add(rent)).Add(base, d("1000"))
	if !tx.Outputs[0].Value.Equal(want) {
		t.Fatalf("owner receives %s, want %s", tx.Outputs[0].Value, want)
	}
}

func TestUpdateAdjustsReserve(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	p := params()
	p.ReserveBase = d("800")
	tx := w.apply(Update{Treasury: w.one(model.KindTreasury, id), Params: p, Caller: "addr_owner"}, start.Add(-time.Minute))
	if len(tx.Outputs) != 1 || !tx.Outputs[0].Value.Equal(asset.New(base, d("200"))) {
		t.Fatalf("expected 200 base refunded, got %+v", tx.Outputs)
	}
	if got := w.one(model.KindTreasury, id).Value.Get(base); !got.Equal(d("800")) {
		t.Fatalf("treasury should hold 800 base, got %s", got)
	}
}

func TestAddSellers(t *testing.T) {
	w := newWorld(t)
	id := w.create(params())
	w.apply(AddSellers{
		Treasury: w.one(model.KindTreasury, id),
		Manager:  w.one(model.KindManager, id),
		Count:    3,
		Caller:   "addr_helper",
	}, start.Add(time.Hour))

	var idx []int64
	for _, s := range w.all(model.KindSeller, id) {
		idx = append(idx, s.Seller.Index)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	if diff := cmp.Diff([]int64{0, 1, 2, 3, 4}, idx); diff != "" {
		t.Fatalf("seller indices (-want +got):\n%s", diff)
	}
	if w.one(model.KindManager, id).Manager.SellerCount != 5 {
		t.Fatal("manager seller count not incremented")
	}
}

type bogus struct{}

func (bogus) Kind() Kind { return "bogus" }
func (bogus) step()      {}

func TestBuildUnknownStep(t *testing.T) {
	_, err := NewBuilder(DefaultConfig()).Build(bogus{}, start)
	if !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}
