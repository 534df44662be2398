package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMultipart_Layout(t *testing.T) {
	body, err := EncodeMultipartWithBoundary([]Part{
		TextPart("email", "jo@example.com"),
		DataPart([]byte{0x1f, 0x8b}),
	}, "B")
	require.NoError(t, err)

	want := "--B\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Disposition: form-data; name=email\r\n" +
		"\r\n" +
		"jo@example.com\r\n" +
		"--B\r\n" +
		"Content-Disposition: form-data; name=data; filename=file; filename*=utf-8''file\r\n" +
		"\r\n" +
		"\x1f\x8b\r\n" +
		"--B--\r\n"
	assert.Equal(t, want, string(body))
}

func TestEncodeMultipart_RandomBoundary(t *testing.T) {
	parts := []Part{TextPart("a", "1")}
	_, b1, err := EncodeMultipart(parts)
	require.NoError(t, err)
	_, b2, err := EncodeMultipart(parts)
	require.NoError(t, err)

	assert.Len(t, b1, 36)
	assert.NotEqual(t, b1, b2)
	assert.Equal(t, "multipart/form-data; boundary="+b1, ContentType(b1))
}

func TestEncodeMultipart_Errors(t *testing.T) {
	_, _, err := EncodeMultipart(nil)
	assert.ErrorIs(t, err, ErrNoParts)

	_, err = EncodeMultipartWithBoundary([]Part{TextPart("a", "1")}, "")
	assert.ErrorIs(t, err, ErrBoundary)

	_, err = EncodeMultipartWithBoundary([]Part{{Body: []byte("x")}}, "B")
	assert.Error(t, err)
}

func TestMultipartRoundTrip(t *testing.T) {
	gz, err := GzipCompress([]byte(`[{"uid":"A"}]`))
	require.NoError(t, err)

	parts := []Part{
		TextPart("email", "jo@example.com"),
		TextPart("password", "p@ss word"),
		TextPart("data", `{"key":"K", "name":"Jo"}`),
		TextPart("signature", "c2lnbmF0dXJl"),
		DataPart(gz),
		{Name: "empty", ContentType: TextContentType},
		TextPart("my field", "spaced name"),
		{Name: "attachment", Body: []byte("x"), Filename: "dir/file name.txt"},
	}
	body, boundary, err := EncodeMultipart(parts)
	require.NoError(t, err)

	got, err := DecodeMultipart(body, boundary)
	require.NoError(t, err)
	require.Len(t, got, len(parts))
	for i := range parts {
		assert.Equal(t, parts[i].Name, got[i].Name)
		assert.Equal(t, parts[i].ContentType, got[i].ContentType)
		assert.Equal(t, parts[i].Filename, got[i].Filename)
		assert.True(t, bytes.Equal(parts[i].Body, got[i].Body), "part %s body", parts[i].Name)
	}

	data, ok := Field(got, "data")
	require.True(t, ok)
	assert.Equal(t, `{"key":"K", "name":"Jo"}`, string(data))
	_, ok = Field(got, "missing")
	assert.False(t, ok)
}

func TestEncodeMultipart_RejectsUnquotableValues(t *testing.T) {
	for _, p := range []Part{
		TextPart("a;b", "1"),
		TextPart("line\r\nbreak", "1"),
		{Name: "data", Body: []byte("x"), Filename: `say "hi"`},
	} {
		_, err := EncodeMultipartWithBoundary([]Part{p}, "B")
		assert.ErrorIs(t, err, ErrHeader, "part %q", p.Name)
	}
}

func TestDecodeMultipart_Disposition(t *testing.T) {
	body := "--B\r\n" +
		"Content-Disposition: form-data; name=\"quoted\"; filename=\"a/b\"\r\n" +
		"\r\n" +
		"1\r\n" +
		"--B\r\n" +
		"Content-Disposition: form-data; name=ext; filename=fallback; filename*=utf-8''d%2Fe%20f\r\n" +
		"\r\n" +
		"2\r\n" +
		"--B--\r\n"
	got, err := DecodeMultipart([]byte(body), "B")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "quoted", got[0].Name)
	assert.Equal(t, "a/b", got[0].Filename)
	assert.Equal(t, "ext", got[1].Name)
	assert.Equal(t, "d/e f", got[1].Filename)

	_, err = DecodeMultipart([]byte("--B\r\nContent-Disposition: attachment; name=x\r\n\r\n1\r\n--B--\r\n"), "B")
	assert.Error(t, err)
}

func TestBoundaryFromContentType(t *testing.T) {
	b, err := BoundaryFromContentType("multipart/form-data; boundary=abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", b)

	b, err = BoundaryFromContentType(`multipart/form-data; boundary="quoted"`)
	require.NoError(t, err)
	assert.Equal(t, "quoted", b)

	_, err = BoundaryFromContentType("application/json")
	assert.ErrorIs(t, err, ErrBoundary)
}

func TestGzip(t *testing.T) {
	in := []byte(strings.Repeat("recipe ", 200))
	gz, err := GzipCompress(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, gz[:2])
	assert.Less(t, len(gz), len(in))

	out, err := GzipDecompress(gz)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = GzipDecompress([]byte("plain"))
	assert.ErrorIs(t, err, ErrCompression)
}

func TestDecodeContent(t *testing.T) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, _ = fw.Write([]byte(`{"result":true}`))
	require.NoError(t, fw.Close())

	out, err := DecodeContent("deflate", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, `{"result":true}`, string(out))

	out, err = DecodeContent("", []byte("as-is"))
	require.NoError(t, err)
	assert.Equal(t, "as-is", string(out))
}

func TestEnvelope(t *testing.T) {
	assert.True(t, ResultTrue([]byte(`{"result": true}`)))
	assert.False(t, ResultTrue([]byte(`{"result": false}`)))
	assert.False(t, ResultTrue([]byte(`{"error": {"message": "nope"}}`)))
	assert.False(t, ResultTrue([]byte(`not json`)))

	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, DecodeResult([]byte(`{"result":{"token":"abc"}}`), &tok))
	assert.Equal(t, "abc", tok.Token)

	err := DecodeResult([]byte(`{"error":{"code":4,"message":"Invalid email or password"}}`), &tok)
	var envErr *EnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, 4, envErr.Code)

	assert.ErrorIs(t, DecodeResult([]byte(`{}`), &tok), ErrEnvelope)

	body, err := EncodeResult(map[string]string{"token": "xyz"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"token":"xyz"}}`, string(body))
}
