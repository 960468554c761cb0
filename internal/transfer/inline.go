package transfer

import (
	"encoding/base64"
	stdmime "mime"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/weftworks/weft/internal/werr"
)

// DecodeInline turns an in-band payload into raw bytes. Three encodings are
// accepted: a data: URL (base64 after the comma), plain text for text/*
// mimes, and bare base64 for everything else. Bare payloads that fail to
// decode as base64 are taken literally.
func DecodeInline(content, mime string) ([]byte, error) {
	if after, ok := strings.CutPrefix(content, "data:"); ok {
		_, b64, found := strings.Cut(after, ",")
		if !found {
			return nil, werr.New(werr.KindProtocolViolation, "data URL without payload")
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, werr.Wrap(err, werr.KindProtocolViolation, "decode data URL")
		}
		return raw, nil
	}
	if strings.HasPrefix(mime, "text/") {
		return []byte(content), nil
	}
	if raw, err := base64.StdEncoding.DecodeString(content); err == nil {
		return raw, nil
	}
	return []byte(content), nil
}

// encodeInline renders raw bytes for the in-band path: text travels as-is,
// everything else as a data: URL so the receiver never has to guess.
func encodeInline(raw []byte, mime string) string {
	if strings.HasPrefix(mime, "text/") {
		return string(raw)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// sniffMime fills in a missing mime type from content, falling back on the
// display name's extension and finally octet-stream.
func sniffMime(mime, displayName string, sample []byte) string {
	if mime != "" {
		return mime
	}
	if len(sample) > 0 {
		return mimetype.Detect(sample).String()
	}
	if i := strings.LastIndex(displayName, "."); i >= 0 {
		if byExt := stdmime.TypeByExtension(displayName[i:]); byExt != "" {
			return byExt
		}
	}
	return "application/octet-stream"
}

func formatConnRef(id int64) string {
	return "conn-" + strconv.FormatInt(id, 10)
}
