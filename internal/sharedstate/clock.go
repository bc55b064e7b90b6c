package sharedstate

import "time"

// Clock provides time information for rollover and expiry decisions.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides adjustable time for testing.
type TestClock struct {
	CurrentTime time.Time
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	return t.CurrentTime
}

// Advance moves the test time forward.
func (t *TestClock) Advance(d time.Duration) {
	t.CurrentTime = t.CurrentTime.Add(d)
}

// DayOf formats the local calendar day of a timestamp. Usage records
// and episodes compare days as these strings.
func DayOf(t time.Time) string {
	return t.Format("2006-01-02")
}
