package session

import "fmt"

// CompressionRate returns 100 × (1 − compressed/original). The second
// return is false when either size is unknown. Enlarged outputs yield a
// negative rate.
func CompressionRate(originalBytes, compressedBytes int64) (float64, bool) {
	if originalBytes <= 0 || compressedBytes <= 0 {
		return 0, false
	}
	return 100 * (1 - float64(compressedBytes)/float64(originalBytes)), true
}

// FormatKB renders a byte count in kilobytes with two decimals.
func FormatKB(bytes int64) string {
	return fmt.Sprintf("%.2f", float64(bytes)/1024)
}

// FormatRate renders a compression rate with two decimals.
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.2f", rate)
}
