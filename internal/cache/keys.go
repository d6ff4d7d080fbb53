package cache

import "fmt"

func JobStatusKey(promptID string) string {
	return fmt.Sprintf("comfyrun:job:%s", promptID)
}

// RateLimitKey buckets requests per client and fixed window.
func RateLimitKey(clientIP string, window int64) string {
	return fmt.Sprintf("comfyrun:ratelimit:%s:%d", clientIP, window)
}

func SystemStatsKey(addr string) string {
	return fmt.Sprintf("comfyrun:stats:%s", addr)
}
