package queue

const (
	OpPut    = "put"
	OpDelete = "delete"
)

// MirrorJob is what we push to Redis Streams.
// No bytes here: workers read the stored file by ID and Format.
type MirrorJob struct {
	Op          string `json:"op"` // OpPut | OpDelete
	ID          string `json:"id"`
	Format      string `json:"format"`
	ContentType string `json:"content_type,omitempty"`
}

// Key is the object key used in the bucket, identical to the stored filename.
func (j MirrorJob) Key() string { return j.ID + "." + j.Format }
