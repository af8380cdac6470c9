package comm

import (
	"context"
	"fmt"
	"math"
)

// Op is a reduction operator.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

func (op Op) applyFloat(a, b float64) float64 {
	switch op {
	case OpMax:
		return math.Max(a, b)
	case OpMin:
		return math.Min(a, b)
	}
	return a + b
}

func (op Op) applyInt(a, b int) int {
	switch op {
	case OpMax:
		return max(a, b)
	case OpMin:
		return min(a, b)
	}
	return a + b
}

// Pairwise visits every peer in ascending order. With each peer the lower
// rank calls first(peer, true) and the higher rank first(peer, false); the
// ordering makes blocking point-to-point transports deadlock free.
func Pairwise(c Communicator, visit func(peer int, lower bool) error) error {
	for _, peer := range Peers(c) {
		if err := visit(peer, c.Rank() < peer); err != nil {
			return err
		}
	}
	return nil
}

// AllToAllCounts sends counts[p] to every peer p and returns what each peer
// sent to the caller. counts[Rank()] is copied through.
func AllToAllCounts(ctx context.Context, c Communicator, counts []int) ([]int, error) {
	if len(counts) != c.Size() {
		return nil, fmt.Errorf("%w: %d counts for %d ranks", ErrCollectiveMismatch, len(counts), c.Size())
	}
	recv := make([]int, c.Size())
	recv[c.Rank()] = counts[c.Rank()]
	one := make([]int, 1)
	err := Pairwise(c, func(peer int, lower bool) error {
		sendCount := func() error {
			return c.SendInts(ctx, peer, TagCounts, counts[peer:peer+1])
		}
		recvCount := func() error {
			if err := c.RecvInts(ctx, peer, TagCounts, one); err != nil {
				return err
			}
			recv[peer] = one[0]
			return nil
		}
		if lower {
			if err := sendCount(); err != nil {
				return err
			}
			return recvCount()
		}
		if err := recvCount(); err != nil {
			return err
		}
		return sendCount()
	})
	if err != nil {
		return nil, err
	}
	return recv, nil
}

// AllreduceFloats combines vals element-wise across all ranks. The root
// folds contributions in rank order so the result is bit-identical from run
// to run.
func AllreduceFloats(ctx context.Context, c Communicator, op Op, vals []float64) ([]float64, error) {
	out := make([]float64, len(vals))
	copy(out, vals)
	if c.Size() == 1 {
		return out, nil
	}
	if c.Rank() != 0 {
		if err := c.SendFloats(ctx, 0, TagReduce, vals); err != nil {
			return nil, err
		}
		if err := c.RecvFloats(ctx, 0, TagReduce, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	buf := make([]float64, len(vals))
	for p := 1; p < c.Size(); p++ {
		if err := c.RecvFloats(ctx, p, TagReduce, buf); err != nil {
			return nil, err
		}
		for i := range out {
			out[i] = op.applyFloat(out[i], buf[i])
		}
	}
	for p := 1; p < c.Size(); p++ {
		if err := c.SendFloats(ctx, p, TagReduce, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllreduceInts is AllreduceFloats for integers.
func AllreduceInts(ctx context.Context, c Communicator, op Op, vals []int) ([]int, error) {
	out := make([]int, len(vals))
	copy(out, vals)
	if c.Size() == 1 {
		return out, nil
	}
	if c.Rank() != 0 {
		if err := c.SendInts(ctx, 0, TagReduce, vals); err != nil {
			return nil, err
		}
		if err := c.RecvInts(ctx, 0, TagReduce, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	buf := make([]int, len(vals))
	for p := 1; p < c.Size(); p++ {
		if err := c.RecvInts(ctx, p, TagReduce, buf); err != nil {
			return nil, err
		}
		for i := range out {
			out[i] = op.applyInt(out[i], buf[i])
		}
	}
	for p := 1; p < c.Size(); p++ {
		if err := c.SendInts(ctx, p, TagReduce, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllgatherFloats returns every rank's local slice, indexed by rank.
func AllgatherFloats(ctx context.Context, c Communicator, local []float64) ([][]float64, error) {
	counts := make([]int, c.Size())
	counts[c.Rank()] = len(local)
	counts, err := AllreduceInts(ctx, c, OpSum, counts)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	flat := make([]float64, total)
	offsets := make([]int, c.Size()+1)
	for p, n := range counts {
		offsets[p+1] = offsets[p] + n
	}
	copy(flat[offsets[c.Rank()]:], local)

	if c.Rank() == 0 {
		for p := 1; p < c.Size(); p++ {
			if err := c.RecvFloats(ctx, p, TagGather, flat[offsets[p]:offsets[p+1]]); err != nil {
				return nil, err
			}
		}
		for p := 1; p < c.Size(); p++ {
			if err := c.SendFloats(ctx, p, TagGather, flat); err != nil {
				return nil, err
			}
		}
	} else {
		if err := c.SendFloats(ctx, 0, TagGather, local); err != nil {
			return nil, err
		}
		if err := c.RecvFloats(ctx, 0, TagGather, flat); err != nil {
			return nil, err
		}
	}

	parts := make([][]float64, c.Size())
	for p := range parts {
		parts[p] = flat[offsets[p]:offsets[p+1]]
	}
	return parts, nil
}

// Agree checks that every rank passed the same token. On disagreement the
// group is aborted with ErrCollectiveMismatch.
func Agree(ctx context.Context, c Communicator, token int) error {
	// max(token) together with max(-token) = -min(token)
	r, err := AllreduceInts(ctx, c, OpMax, []int{token, -token})
	if err != nil {
		return err
	}
	if r[0] != -r[1] {
		err := fmt.Errorf("%w: tokens range over [%d, %d]", ErrCollectiveMismatch, -r[1], r[0])
		c.Abort(err)
		return err
	}
	return nil
}
