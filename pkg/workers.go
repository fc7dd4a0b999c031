package gesher

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

func segmentWorker(id int, jobs <-chan int, results chan<- SegmentResult, process func(int) SegmentResult) {
	for segment := range jobs {
		if verbosity > 2 {
			logger.Info(fmt.Sprintf("Worker %d processing segment %d", id, segment), "workers")
		}
		results <- process(segment)
	}
}

func sendSegmentsToWorkers(ctx context.Context, nSegments int, jobs chan<- int) {
	defer close(jobs)
	for segment := 1; segment <= nSegments; segment++ {
		select {
		case jobs <- segment:
		case <-ctx.Done():
			return
		}
	}
}

// runSegmentPool fans segments 1..nSegments out to nWorkers goroutines and
// returns the results sorted by segment. process must not panic.
func runSegmentPool(ctx context.Context, nSegments, nWorkers int, process func(int) SegmentResult) []SegmentResult {
	if nWorkers < 1 {
		nWorkers = 1
	}
	if nWorkers > nSegments {
		nWorkers = nSegments
	}
	jobs := make(chan int, nWorkers)
	results := make(chan SegmentResult, nWorkers)

	var wg sync.WaitGroup
	for w := 1; w <= nWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			segmentWorker(id, jobs, results, process)
		}(w)
	}
	go sendSegmentsToWorkers(ctx, nSegments, jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]SegmentResult, 0, nSegments)
	for res := range results {
		collected = append(collected, res)
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].Segment < collected[j].Segment
	})
	return collected
}
