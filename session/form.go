package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"sort"
)

// FormFile is one file part of an upload.
type FormFile struct {
	Field    string
	Filename string
	Content  io.Reader
}

// Form is a multipart upload body, e.g. a skin or cape PNG.
type Form struct {
	Fields map[string]string
	Files  []FormFile
}

// encode renders the form once so that a retried upload sends the same
// bytes with the same boundary.
func (f *Form) encode() ([]byte, string, error) {
	if f == nil {
		return nil, "", errors.New("upload form is nil")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, f.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	for _, file := range f.Files {
		part, err := w.CreateFormFile(file.Field, file.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part %s: %w", file.Field, err)
		}
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, "", fmt.Errorf("failed to copy %s: %w", file.Filename, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
