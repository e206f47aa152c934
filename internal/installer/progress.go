package installer

import (
	"context"
	"log/slog"
	"time"
)

// progressSampler samples a monotonically non-decreasing counter at an
// adaptive interval — halved when progress accelerates, grown when it
// stalls — emitting one log line per observed change. Grounded on
// original_source's `_print_progress`: same accelerate/stall heuristic,
// reimplemented against ctx cancellation instead of a bare thread loop.
func progressSampler(ctx context.Context, label string, total int, sample func() int) {
	last := 0
	interval := 500 * time.Millisecond

	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		current := sample()
		if current-last > 10 {
			interval /= 2
			if interval < 100*time.Millisecond {
				interval = 100 * time.Millisecond
			}
		} else {
			interval = interval * 6 / 5
			if interval > 2*time.Second {
				interval = 2 * time.Second
			}
		}
		if current > last {
			slog.Info("install progress", "stage", label, "completed", current, "total", total)
			last = current
		}

		if current >= total {
			return
		}
		t.Reset(interval)
	}
}
