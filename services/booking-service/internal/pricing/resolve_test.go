package pricing

import (
	"math/rand"
	"testing"
)

func TestResolve_DepositClampedToOverridePrice(t *testing.T) {
	base := Base{DurationMin: 60, PriceCents: 20000, DepositCents: 5000, BufferMin: 10}
	o := &Override{
		Price:   Value(10000),
		Deposit: Value(15000),
	}

	got := Resolve(base, o)
	if got.PriceCents != 10000 || got.DepositCents != 10000 {
		t.Fatalf("expected price=deposit=10000, got %+v", got)
	}
	if got.DurationMin != 60 || got.BufferMin != 10 {
		t.Fatalf("expected base duration and buffer, got %+v", got)
	}
	if !got.Clamped {
		t.Fatalf("expected Clamped to be reported")
	}
}

func TestResolve_UseDefaultsIgnoresFields(t *testing.T) {
	base := Base{DurationMin: 45, PriceCents: 8000, DepositCents: 2000, BufferMin: 5}
	o := &Override{UseDefaults: true, Duration: Value(90), Price: Value(1)}

	got := Resolve(base, o)
	want := Resolved{DurationMin: 45, PriceCents: 8000, DepositCents: 2000, BufferMin: 5}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if Resolve(base, nil) != want {
		t.Fatalf("absent override must equal base")
	}
}

func TestResolve_ExplicitZeroIsNotDefault(t *testing.T) {
	base := Base{DurationMin: 30, PriceCents: 5000, DepositCents: 1000, BufferMin: 15}
	got := Resolve(base, &Override{Deposit: Value(0), Buffer: Value(0)})
	if got.DepositCents != 0 || got.BufferMin != 0 {
		t.Fatalf("explicit zero must override, got %+v", got)
	}
	if _, ok := Default().Get(); ok {
		t.Fatalf("Default must not carry a value")
	}
}

func TestResolve_NegativeBaseFloored(t *testing.T) {
	got := Resolve(Base{DurationMin: -5, PriceCents: -100, DepositCents: -1, BufferMin: -10}, nil)
	if got.DurationMin != 0 || got.PriceCents != 0 || got.DepositCents != 0 || got.BufferMin != 0 {
		t.Fatalf("expected all zero, got %+v", got)
	}
}

func randomField(r *rand.Rand) Field {
	if r.Intn(3) == 0 {
		return Default()
	}
	return Value(r.Int63n(40000) - 10000)
}

func TestResolve_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		base := Base{
			DurationMin:  r.Int63n(400) - 100,
			PriceCents:   r.Int63n(40000) - 10000,
			DepositCents: r.Int63n(40000) - 10000,
			BufferMin:    r.Int63n(100) - 20,
		}
		var o *Override
		if r.Intn(4) != 0 {
			o = &Override{
				UseDefaults: r.Intn(5) == 0,
				Duration:    randomField(r),
				Price:       randomField(r),
				Deposit:     randomField(r),
				Buffer:      randomField(r),
			}
		}

		got := Resolve(base, o)
		if got.DepositCents > got.PriceCents {
			t.Fatalf("deposit above price: base=%+v override=%+v got=%+v", base, o, got)
		}
		if got.DurationMin < 0 || got.PriceCents < 0 || got.DepositCents < 0 || got.BufferMin < 0 {
			t.Fatalf("negative output: %+v", got)
		}
		if o == nil || o.UseDefaults {
			if got != Resolve(base, nil) {
				t.Fatalf("defaults must equal clamped base")
			}
		}
		if again := Resolve(base, o); again != got {
			t.Fatalf("resolve is not deterministic")
		}
	}
}
