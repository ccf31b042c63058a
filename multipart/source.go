package multipart

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Source is random-access file content. Parts are read independently and concurrently.
type Source interface {
	io.ReaderAt
	Size() int64
}

// FileSource is a Source backed by a file on disk.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFile opens the file at path for uploading.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *FileSource) Size() int64 {
	return s.size
}

// Name returns the base name of the file.
func (s *FileSource) Name() string {
	info, err := s.file.Stat()
	if err != nil {
		return s.file.Name()
	}
	return info.Name()
}

func (s *FileSource) Close() error {
	return s.file.Close()
}

// NewByteSource wraps an in-memory buffer as a Source.
func NewByteSource(data []byte) Source {
	return bytes.NewReader(data)
}

// readPart loads the byte range of the task into memory so that every attempt can replay it.
func readPart(src Source, task PartTask) ([]byte, error) {
	data := make([]byte, task.Size())
	n, err := io.ReadFull(io.NewSectionReader(src, task.Start, task.Size()), data)
	if err != nil {
		return nil, fmt.Errorf("read part %d (%d/%d bytes): %w", task.Number, n, task.Size(), err)
	}
	return data, nil
}
