package pipeline

import "time"

// Unix epoch expressed as a modified Julian date.
const unixEpochMJD = 40587.0

const twoHoursInDays = 2.0 / 24.0

// calibratorGraceDays is how long a young observation is assumed calibratable
// even though no matching calibrator scan exists yet.
const calibratorGraceDays = 7.0

// mjdNow is swappable so tests can pin the clock.
var mjdNow = func() float64 {
	return mjdFromTime(time.Now())
}

func mjdFromTime(t time.Time) float64 {
	return unixEpochMJD + float64(t.UnixNano())/float64(24*time.Hour)
}
