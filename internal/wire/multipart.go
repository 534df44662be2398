// Package wire produces request bodies in the exact layout the sync server
// accepts. The server is strict about header order inside each part, so the
// encoder writes bytes directly instead of going through mime/multipart.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	TextContentType = "text/plain; charset=utf-8"
	DataFieldName   = "data"
	DataFilename    = "file"
)

var (
	ErrNoParts  = errors.New("wire: no parts to encode")
	ErrBoundary = errors.New("wire: missing multipart boundary")
	ErrHeader   = errors.New("wire: value cannot be written unquoted")
)

// Part is one form field. ContentType and Filename are optional; a
// Filename adds both the plain and the RFC 5987 variant.
type Part struct {
	Name        string
	ContentType string
	Body        []byte
	Filename    string
}

func TextPart(name, value string) Part {
	return Part{Name: name, ContentType: TextContentType, Body: []byte(value)}
}

// DataPart wraps an already-compressed sync payload.
func DataPart(compressed []byte) Part {
	return Part{Name: DataFieldName, Body: compressed, Filename: DataFilename}
}

// ContentType is the request header value for a body built with boundary.
func ContentType(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

func NewBoundary() string {
	return uuid.NewString()
}

func EncodeMultipart(parts []Part) ([]byte, string, error) {
	boundary := NewBoundary()
	body, err := EncodeMultipartWithBoundary(parts, boundary)
	return body, boundary, err
}

func EncodeMultipartWithBoundary(parts []Part, boundary string) ([]byte, error) {
	if len(parts) == 0 {
		return nil, ErrNoParts
	}
	if boundary == "" {
		return nil, ErrBoundary
	}

	var buf bytes.Buffer
	for _, p := range parts {
		if p.Name == "" {
			return nil, fmt.Errorf("wire: part without a name")
		}
		if !unquotable(p.Name) {
			return nil, fmt.Errorf("%w: name %q", ErrHeader, p.Name)
		}
		if !unquotable(p.Filename) {
			return nil, fmt.Errorf("%w: filename %q", ErrHeader, p.Filename)
		}
		buf.WriteString("--" + boundary + "\r\n")
		if p.ContentType != "" {
			buf.WriteString("Content-Type: " + p.ContentType + "\r\n")
		}
		buf.WriteString("Content-Disposition: form-data; name=" + p.Name)
		if p.Filename != "" {
			buf.WriteString("; filename=" + p.Filename)
			buf.WriteString("; filename*=utf-8''" + url.PathEscape(p.Filename))
		}
		buf.WriteString("\r\n\r\n")
		buf.Write(p.Body)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes(), nil
}

// unquotable reports whether v survives as a bare disposition parameter.
// Spaces and slashes are fine; separators and line breaks are not.
func unquotable(v string) bool {
	return !strings.ContainsAny(v, ";\"\r\n")
}

// parseDisposition reads the bare name and filename parameters the encoder
// writes, keeping spaces and directories. filename* wins over filename.
func parseDisposition(v string) (name, filename string, err error) {
	params := strings.Split(v, ";")
	if strings.TrimSpace(params[0]) != "form-data" {
		return "", "", fmt.Errorf("wire: disposition %q", v)
	}
	var extended string
	for _, param := range params[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		switch strings.ToLower(key) {
		case "name":
			name = value
		case "filename":
			filename = value
		case "filename*":
			_, encoded, ok := strings.Cut(value, "''")
			if !ok {
				return "", "", fmt.Errorf("wire: filename* %q", value)
			}
			if extended, err = url.PathUnescape(encoded); err != nil {
				return "", "", fmt.Errorf("wire: filename* %q: %w", value, err)
			}
		}
	}
	if extended != "" {
		filename = extended
	}
	return name, filename, nil
}

// BoundaryFromContentType extracts the boundary parameter, quoted or not.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("wire: content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return "", ErrBoundary
	}
	return params["boundary"], nil
}

// DecodeMultipart is the mirror of EncodeMultipart, used by the reference
// server and by tests.
func DecodeMultipart(body []byte, boundary string) ([]Part, error) {
	if boundary == "" {
		return nil, ErrBoundary
	}
	r := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []Part
	for {
		p, err := r.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wire: next part: %w", err)
		}
		name, filename, err := parseDisposition(p.Header.Get("Content-Disposition"))
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("wire: read part %q: %w", name, err)
		}
		parts = append(parts, Part{
			Name:        name,
			ContentType: p.Header.Get("Content-Type"),
			Body:        data,
			Filename:    filename,
		})
	}
	if len(parts) == 0 {
		return nil, ErrNoParts
	}
	return parts, nil
}

// Field returns the body of the first part called name.
func Field(parts []Part, name string) ([]byte, bool) {
	for _, p := range parts {
		if p.Name == name {
			return p.Body, true
		}
	}
	return nil, false
}
