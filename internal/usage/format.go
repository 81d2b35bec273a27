package usage

import "fmt"

// FormatRemainingTime renders seconds as MM:SS. Minutes are not wrapped at
// 60, so 3661 renders as "61:01".
func FormatRemainingTime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// FormatRemainingTimeDetailed renders seconds as HH:MM:SS.
func FormatRemainingTimeDetailed(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
