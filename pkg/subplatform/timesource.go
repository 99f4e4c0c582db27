package subplatform

import (
	"context"
	"time"
)

// systemTimeSource implements TimeSource using the local system clock.
type systemTimeSource struct{}

func (systemTimeSource) Now(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// SystemTimeSource returns a TimeSource backed by the local system clock in UTC.
func SystemTimeSource() TimeSource {
	return systemTimeSource{}
}
