package rlog

import "fmt"

// FmtBytes renders a byte count the way the teacher's util.FmtBytes does,
// picking the largest unit that keeps the mantissa above one.
func FmtBytes(n int64) string {
	switch {
	case n >= 1024*1024*1024*1024:
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024*1024*1024*1024))
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024*1024*1024))
	case n > 1024*1024:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024*1024))
	case n > 1024:
		return fmt.Sprintf("%.2f kiB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
