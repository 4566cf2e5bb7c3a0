package host

import (
	"math"
	"time"
)

// blockScheduler splits the rows of a dispatch into one block per worker.
// The first dispatch splits rows evenly; later dispatches assume that the
// work per row stays roughly the same and size each block by the rows per
// second its worker achieved in the previous dispatch.
type blockScheduler struct {
	assignment []uint32
	elapsed    []time.Duration
}

func newBlockScheduler() *blockScheduler {
	return &blockScheduler{}
}

// Get the number of rows assigned to each worker. Fewer blocks than workers
// are returned when there are not enough rows to go around.
func (s *blockScheduler) Schedule(workers int, rows uint32) []uint32 {
	if rows == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if uint32(workers) > rows {
		workers = int(rows)
	}

	if len(s.assignment) != workers || !s.hasTimings() {
		s.assignment = make([]uint32, workers)
		s.elapsed = make([]time.Duration, workers)
		for index := range s.assignment {
			s.assignment[index] = rows / uint32(workers)
		}
		s.assignment[0] += rows % uint32(workers)
		return s.blocks()
	}

	// w_i = (rows_i / time_i) / Σ(rows_j / time_j)
	var total float64
	for index, assigned := range s.assignment {
		total += float64(assigned) / float64(s.elapsed[index])
	}

	scaler := float64(rows) / total
	var scheduled uint32
	for index, assigned := range s.assignment {
		s.assignment[index] = uint32(math.Max(1.0, math.Floor(float64(assigned)/float64(s.elapsed[index])*scaler)))
		scheduled += s.assignment[index]
	}

	// Rows lost to rounding go to the first worker; rows gained by the
	// one-row minimum come off the largest block.
	if scheduled < rows {
		s.assignment[0] += rows - scheduled
	}
	for ; scheduled > rows; scheduled-- {
		largest := 0
		for index, assigned := range s.assignment {
			if assigned > s.assignment[largest] {
				largest = index
			}
		}
		s.assignment[largest]--
	}

	for index := range s.elapsed {
		s.elapsed[index] = 0
	}
	return s.blocks()
}

// Record the time a worker spent on its last block. Each worker only
// touches its own slot.
func (s *blockScheduler) Record(worker int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = 1
	}
	s.elapsed[worker] = elapsed
}

func (s *blockScheduler) hasTimings() bool {
	for _, elapsed := range s.elapsed {
		if elapsed <= 0 {
			return false
		}
	}
	return len(s.elapsed) != 0
}

func (s *blockScheduler) blocks() []uint32 {
	out := make([]uint32, len(s.assignment))
	copy(out, s.assignment)
	return out
}
