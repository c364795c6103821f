package image

const (
	minstdMultiplier = 16807
	minstdModulus    = 2147483647
)

// Minstd is the MINSTD linear congruential generator, the traditional
// rand() of several C libraries. Generated demo images fill their payloads
// from it, so walking them reproduces the output of the C programs the
// images mimic.
type Minstd struct {
	state uint32
}

// NewMinstd returns a generator with the given seed. A zero seed is
// replaced by one, like srand does.
func NewMinstd(seed uint32) *Minstd {
	seed %= minstdModulus
	if seed == 0 {
		seed = 1
	}
	return &Minstd{state: seed}
}

// Next advances the generator and returns the next value, in [1, 2^31-2].
func (r *Minstd) Next() uint32 {
	r.state = uint32(uint64(r.state) * minstdMultiplier % minstdModulus)
	return r.state
}
