package boxrelay

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job is the compact descriptor handed from the poller to the processor.
type Job struct {
	Bucket int
	// EnqueuedAt has second precision on the wire.
	EnqueuedAt time.Time
	IDs        []int64
}

// Encode renders the job as "<bucket>:<unix_ts>:<id>[,<id>...]".
func (j Job) Encode() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(j.Bucket))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(j.EnqueuedAt.Unix(), 10))
	b.WriteByte(':')
	for i, id := range j.IDs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}

	return b.String()
}

// ParseJob decodes a descriptor produced by Job.Encode.
func ParseJob(raw string) (Job, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidJob, raw)
	}

	bucket, err := strconv.Atoi(parts[0])
	if err != nil || bucket < 0 {
		return Job{}, fmt.Errorf("%w: bad bucket in %q", ErrInvalidJob, raw)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Job{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidJob, raw)
	}
	if parts[2] == "" {
		return Job{}, fmt.Errorf("%w: no ids in %q", ErrInvalidJob, raw)
	}

	fields := strings.Split(parts[2], ",")
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Job{}, fmt.Errorf("%w: bad id %q", ErrInvalidJob, f)
		}
		ids = append(ids, id)
	}

	return Job{Bucket: bucket, EnqueuedAt: time.Unix(ts, 0).UTC(), IDs: ids}, nil
}
