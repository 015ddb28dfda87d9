package models

import "time"

const (
	// TranscriptFormatVersion is the current storage-format version tag.
	TranscriptFormatVersion = 2

	// DefaultChunkSize is the fixed chunk capacity in events. 80 bounds the
	// bytes that must be recompressed on a delta append (only the tail
	// chunk) while keeping per-chunk compression ratios reasonable.
	DefaultChunkSize = 80

	// CodecGzip tags chunks compressed with gzip.
	CodecGzip = "gzip"
)

// ProgressMeta is the versioned metadata record for one (player, game)
// transcript. Its presence is the existence marker for the transcript, and
// its Version column is the optimistic-concurrency token every write is
// conditioned on.
type ProgressMeta struct {
	PlayerID      string
	GameID        string
	FormatVersion int
	Codec         string
	ChunkSize     int
	ChunkCount    int
	EventCount    int
	Version       int64
	Snapshot      *GameSnapshot
	UpdatedAt     time.Time
}

// TranscriptChunk is one ordered, compressed slice of a transcript.
// Chunks 0..ChunkCount-2 hold exactly ChunkSize events; only the last chunk
// (the append target) may be under capacity.
type TranscriptChunk struct {
	PlayerID   string
	GameID     string
	ChunkIndex int
	EventCount int
	Payload    []byte
}
