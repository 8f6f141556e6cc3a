package entity

// File is an entity backed by downloadable content. The pipeline
// materializes the content to a temp path before file transformers run.
type File struct {
	Entity

	// DownloadURL is where the content can be fetched from.
	DownloadURL string
	// FileUUID names the materialized temp file.
	FileUUID string
	// LocalPath is set once the content has been written to disk.
	LocalPath string
	// Checksum is the source-reported digest of the content, when the
	// source provides one.
	Checksum string
	// TotalSize is the content size in bytes.
	TotalSize int64
	// MimeType drives converter selection.
	MimeType string
}

// ContentHash folds the file's content fingerprint into the base stable
// view. LocalPath and DownloadURL stay out: both vary from job to job even
// when the content does not.
func (f *File) ContentHash() (string, error) {
	view := f.stableView()
	view["checksum"] = f.Checksum
	view["total_size"] = f.TotalSize
	view["mime_type"] = f.MimeType
	return hashView(view)
}

// Chunk is a token-budgeted slice of a parent entity produced by chunking.
// ParentEntityID on the embedded Entity references the entity the chunk
// was derived from, which must appear in the same job.
type Chunk struct {
	Entity

	// ChunkIndex is this chunk's position, 0 through TotalChunks-1.
	ChunkIndex int
	// TotalChunks is the number of chunks the parent split into.
	TotalChunks int
	// Text is the chunk content. It is what gets embedded.
	Text string
	// MDHeaderPath is the markdown header trail leading to this chunk.
	MDHeaderPath []string
}

// ContentHash covers the chunk text and position in addition to the base
// stable view, so editing one slice of the parent re-versions only the
// affected chunks.
func (c *Chunk) ContentHash() (string, error) {
	view := c.stableView()
	view["chunk_index"] = c.ChunkIndex
	view["text"] = c.Text
	view["md_header_path"] = c.MDHeaderPath
	return hashView(view)
}
