package proximity

import "github.com/samirrijal/proximity/internal/core/domain"

// DefaultChunkSize is the maximum number of targets handed to one worker unit.
const DefaultChunkSize = 1000

// Chunk is a contiguous run of targets starting at Offset in the full list.
// Offset doubles as the worker affinity key across cycles.
type Chunk struct {
	Offset  int
	Targets []domain.Target
}

// Split cuts targets into consecutive chunks of at most chunkSize elements.
// The same list length always yields the same chunk boundaries. Chunks share
// the backing array of targets.
func Split(targets []domain.Target, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunks := make([]Chunk, 0, (len(targets)+chunkSize-1)/chunkSize)
	for start := 0; start < len(targets); start += chunkSize {
		end := min(start+chunkSize, len(targets))
		chunks = append(chunks, Chunk{Offset: start, Targets: targets[start:end:end]})
	}
	return chunks
}
