package sync

// Direction of a single file transfer.
type Direction int

const (
	DirectionUpload Direction = iota
	DirectionDownload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Progress receives transfer notifications. Implementations must be safe for
// concurrent use; the pipeline calls FileDone from multiple goroutines.
type Progress interface {
	FileDone(conversationID, relPath string, dir Direction)
}

// reportFileDone is nil-safe so callers never have to guard the sink.
func reportFileDone(p Progress, convID, rel string, dir Direction) {
	if p != nil {
		p.FileDone(convID, rel, dir)
	}
}
