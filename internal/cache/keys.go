package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func SnapshotKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:snapshot:%s", jobID)
}

func CancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:cancel:%s", jobID)
}

func JobUpdatesChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("job:updates:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
