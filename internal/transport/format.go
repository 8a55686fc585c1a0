package transport

import "fmt"

// FormatBytes renders n with a binary unit, e.g. "512B", "1.50KiB", "64.00MiB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		if n < 0 {
			n = 0
		}
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 3; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%ciB", float64(n)/float64(div), "KMGT"[exp])
}

// FormatRate renders a throughput in MiB/s.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0.00 MiB/s"
	}
	return fmt.Sprintf("%.2f MiB/s", bytesPerSec/(1024*1024))
}
