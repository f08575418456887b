package nd2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	chunkMagic      = 0x0ABECEDA
	chunkHeaderSize = 16

	// ChunkMapSignature closes the chunk map and, followed by the map offset,
	// forms the last 40 bytes of every v3 file.
	ChunkMapSignature = "ND2 CHUNK MAP SIGNATURE 0000001!"
	// FileSignature is the name of the first chunk in the file.
	FileSignature = "ND2 FILE SIGNATURE CHUNK NAME01!"
	// ChunkMapName is the name of the chunk holding the map itself.
	ChunkMapName = "ND2 FILEMAP SIGNATURE NAME 0001!"

	trailerSize = len(ChunkMapSignature) + 8
)

var le = binary.LittleEndian

// chunkRef locates a chunk by the offset of its header.
type chunkRef struct {
	Offset uint64
	Size   uint64
}

// readChunk reads the payload of the chunk whose header starts at offset.
// The header's name length is the distance from the end of the header to the payload.
func readChunk(r io.ReaderAt, fileSize int64, offset uint64) ([]byte, error) {
	header := make([]byte, chunkHeaderSize)
	if _, err := r.ReadAt(header, int64(offset)); err != nil {
		return nil, fmt.Errorf("read chunk header at %d: %w", offset, err)
	}
	if le.Uint32(header[0:4]) != chunkMagic {
		return nil, fmt.Errorf("%w at offset %d", ErrBadMagic, offset)
	}
	nameLen := uint64(le.Uint32(header[4:8]))
	dataLen := le.Uint64(header[8:16])

	start := offset + chunkHeaderSize + nameLen
	if start > uint64(fileSize) || dataLen > uint64(fileSize)-start {
		return nil, fmt.Errorf("%w: chunk at %d claims %d bytes past end of file", ErrCorrupt, offset, dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := r.ReadAt(data, int64(start)); err != nil {
		return nil, fmt.Errorf("read chunk data at %d: %w", start, err)
	}
	return data, nil
}

// readChunkMap locates the chunk map through the file trailer and parses it.
func readChunkMap(r io.ReaderAt, fileSize int64) (map[string]chunkRef, error) {
	if fileSize < int64(trailerSize+chunkHeaderSize) {
		return nil, ErrNoChunkMap
	}

	trailer := make([]byte, trailerSize)
	if _, err := r.ReadAt(trailer, fileSize-int64(trailerSize)); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if string(trailer[:len(ChunkMapSignature)]) != ChunkMapSignature {
		return nil, ErrNoChunkMap
	}

	mapOffset := le.Uint64(trailer[len(ChunkMapSignature):])
	data, err := readChunk(r, fileSize, mapOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoChunkMap, err)
	}
	return parseChunkMap(data)
}

// parseChunkMap decodes "<name!><uint64 offset><uint64 size>" entries until
// the map signature entry.
func parseChunkMap(data []byte) (map[string]chunkRef, error) {
	chunks := make(map[string]chunkRef)
	for len(data) > 0 {
		end := bytes.IndexByte(data, '!')
		if end < 0 {
			break
		}
		name := string(data[:end+1])
		if name == ChunkMapSignature {
			return chunks, nil
		}
		data = data[end+1:]
		if len(data) < 16 {
			return nil, fmt.Errorf("%w: truncated chunk map entry %q", ErrCorrupt, name)
		}
		chunks[name] = chunkRef{
			Offset: le.Uint64(data[0:8]),
			Size:   le.Uint64(data[8:16]),
		}
		data = data[16:]
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunkMap
	}
	return chunks, nil
}
