// Package pricing merges a service's base duration, price, deposit and buffer
// with a per-staff assignment override.
package pricing

// Field is one overridable value: either "use the service default" or an
// explicit value. The zero Field is Default.
type Field struct {
	set   bool
	value int64
}

func Default() Field { return Field{} }

func Value(v int64) Field { return Field{set: true, value: v} }

// Get returns the explicit value and true, or false for Default.
func (f Field) Get() (int64, bool) { return f.value, f.set }

func (f Field) or(base int64) int64 {
	if f.set {
		return f.value
	}
	return base
}

// Base holds the values recorded on the service itself.
type Base struct {
	DurationMin  int64
	PriceCents   int64
	DepositCents int64
	BufferMin    int64
}

// Override is a staff member's assignment to a service. UseDefaults ignores
// every field.
type Override struct {
	UseDefaults bool
	Duration    Field
	Price       Field
	Deposit     Field
	Buffer      Field
}

type Resolved struct {
	DurationMin  int64
	PriceCents   int64
	DepositCents int64
	BufferMin    int64
	// Clamped is true when an input was negative or the deposit exceeded the price.
	Clamped bool
}

// Resolve never fails. Stored values can be invalid, so every result is floored
// at zero and the deposit is capped at the price.
func Resolve(base Base, o *Override) Resolved {
	in := base
	if o != nil && !o.UseDefaults {
		in = Base{
			DurationMin:  o.Duration.or(base.DurationMin),
			PriceCents:   o.Price.or(base.PriceCents),
			DepositCents: o.Deposit.or(base.DepositCents),
			BufferMin:    o.Buffer.or(base.BufferMin),
		}
	}
	return clamp(in)
}

func clamp(in Base) Resolved {
	out := Resolved{
		DurationMin:  floor(in.DurationMin),
		PriceCents:   floor(in.PriceCents),
		DepositCents: floor(in.DepositCents),
		BufferMin:    floor(in.BufferMin),
	}
	if out.DepositCents > out.PriceCents {
		out.DepositCents = out.PriceCents
	}
	out.Clamped = out.DurationMin != in.DurationMin ||
		out.PriceCents != in.PriceCents ||
		out.DepositCents != in.DepositCents ||
		out.BufferMin != in.BufferMin
	return out
}

func floor(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
