package dataset

import (
	"errors"
	"fmt"
	"time"
)

// ErrDataQuality is matched by every QualityError.
var ErrDataQuality = errors.New("data quality")

// QualityError reports a series dropped by a data-quality check.
// It is never fatal to a run: the series is removed and the run continues.
type QualityError struct {
	Series string
	Reason string
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("series %q dropped: %s", e.Series, e.Reason)
}

// Unwrap lets errors.Is match ErrDataQuality.
func (e *QualityError) Unwrap() error { return ErrDataQuality }

// QualityOptions configures FilterQuality.
type QualityOptions struct {
	// Now is the reference time for recency checks. Zero uses the last index timestamp.
	Now time.Time

	// MinRecency drops series whose last observation is older than Now-MinRecency.
	// Zero disables the check.
	MinRecency time.Duration

	// MinObservations drops series with fewer non-missing values. Zero disables the check.
	MinObservations int

	// DropMostRecent discards the n newest rows, which are often incomplete.
	DropMostRecent int
}

// FilterQuality applies the configured checks and returns the retained frame
// together with one QualityError per dropped series. Rows in the future of Now
// are removed first.
func FilterQuality(f *Frame, opts QualityOptions) (*Frame, []*QualityError) {
	out := f.Clone()

	if !opts.Now.IsZero() {
		end := out.Len()
		for end > 0 && out.Index[end-1].After(opts.Now) {
			end--
		}
		out = out.Slice(0, end)
	}

	if opts.DropMostRecent > 0 {
		out = out.Slice(0, out.Len()-opts.DropMostRecent)
	}

	now := opts.Now
	if now.IsZero() && out.Len() > 0 {
		now = out.Index[out.Len()-1]
	}

	var dropped []*QualityError
	var drop []string
	for c, name := range out.Columns {
		last := out.LastValid(c)
		switch {
		case last < 0:
			dropped = append(dropped, &QualityError{Series: name, Reason: "no observations"})
		case opts.MinRecency > 0 && out.Index[last].Before(now.Add(-opts.MinRecency)):
			dropped = append(dropped, &QualityError{
				Series: name,
				Reason: fmt.Sprintf("last observation %s older than %s", out.Index[last].Format(time.DateOnly), opts.MinRecency),
			})
		case opts.MinObservations > 0 && out.Observed(c) < opts.MinObservations:
			dropped = append(dropped, &QualityError{
				Series: name,
				Reason: fmt.Sprintf("%d observations, need %d", out.Observed(c), opts.MinObservations),
			})
		default:
			continue
		}
		drop = append(drop, name)
	}
	if len(drop) > 0 {
		out = out.Drop(drop...)
	}
	return out, dropped
}
