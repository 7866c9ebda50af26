package task

// Throttle limits fraction publication to steps of at least 1%, except within
// 5% of completion where every update goes through.
type Throttle struct {
	t    *Task
	last float64
	sent bool
}

func NewThrottle(t *Task) *Throttle { return &Throttle{t: t} }

// Update publishes f when the throttle allows it and reports whether it did.
func (th *Throttle) Update(f float64) bool {
	if th.sent && f-th.last < 0.01 && f < 0.95 {
		return false
	}
	th.sent = true
	th.last = f
	th.t.Fraction(f)
	return true
}
