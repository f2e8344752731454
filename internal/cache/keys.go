package cache

import (
	"fmt"
)

func JobStatusKey(jobID int64) string {
	return fmt.Sprintf("job:%d", jobID)
}

func JobLeaseKey(jobID int64) string {
	return fmt.Sprintf("lock:job:%d", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
