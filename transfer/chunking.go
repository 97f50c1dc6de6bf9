package transfer

// Chunk size bands. Larger files get larger chunks to bound the number
// of round trips without starving small-file responsiveness.
const (
	chunkSizeSmall  = 64 * 1024
	chunkSizeMedium = 256 * 1024
	chunkSizeLarge  = 1024 * 1024
	chunkSizeMax    = 4 * 1024 * 1024

	bandMedium = 1 * 1024 * 1024
	bandLarge  = 10 * 1024 * 1024
	bandMax    = 100 * 1024 * 1024
)

// chunkSizeFor maps a resource size to its chunk size band. The step
// function is monotonic in totalSizeBytes.
func chunkSizeFor(totalSizeBytes int64) int {
	switch {
	case totalSizeBytes < bandMedium:
		return chunkSizeSmall
	case totalSizeBytes < bandLarge:
		return chunkSizeMedium
	case totalSizeBytes < bandMax:
		return chunkSizeLarge
	default:
		return chunkSizeMax
	}
}

// chunkCount returns how many chunks cover size bytes.
func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
