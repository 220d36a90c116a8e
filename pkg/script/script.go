// Package script loads user scripts from disk or from the embedded examples
// and watches the edited file for changes.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/Bubobubobubobubo/topos/pkg/fileutil"
)

// Extension is the script file extension.
const Extension = ".lua"

// Supported encodings.
const (
	EncodingAuto     = "auto"
	EncodingUTF8     = "utf-8"
	EncodingUTF16    = "utf-16"
	EncodingShiftJIS = "shift_jis"
)

// ErrUnknownEncoding is returned for an unsupported encoding name.
var ErrUnknownEncoding = errors.New("unknown encoding")

// Script is a loaded script converted to UTF-8.
type Script struct {
	Name     string // file name without directory
	Content  string
	Size     int64 // size on disk before decoding
	Encoding string
}

// Loader reads scripts from one file system.
type Loader struct {
	fs       fileutil.FileSystem
	encoding string
}

// NewLoader creates a loader. An empty encoding means auto detection.
func NewLoader(fsys fileutil.FileSystem, encoding string) *Loader {
	if encoding == "" {
		encoding = EncodingAuto
	}
	return &Loader{fs: fsys, encoding: encoding}
}

// Load reads and decodes one script.
func (l *Loader) Load(name string) (*Script, error) {
	data, err := l.fs.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", name, err)
	}
	content, used, err := Decode(data, l.encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to decode script %s: %w", name, err)
	}
	return &Script{
		Name:     path.Base(strings.ReplaceAll(name, "\\", "/")),
		Content:  content,
		Size:     int64(len(data)),
		Encoding: used,
	}, nil
}

// Lister is implemented by file systems that can enumerate their files.
type Lister interface {
	List() ([]string, error)
}

// LoadAll loads every script of a listable file system, sorted by name.
func (l *Loader) LoadAll() ([]Script, error) {
	lister, ok := l.fs.(Lister)
	if !ok {
		return nil, fmt.Errorf("file system cannot list scripts")
	}
	names, err := lister.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	sort.Strings(names)

	var scripts []Script
	for _, name := range names {
		if !strings.EqualFold(path.Ext(name), Extension) {
			continue
		}
		s, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, *s)
	}
	return scripts, nil
}

// Decode converts data to UTF-8. In auto mode a byte order mark selects
// UTF-8 or UTF-16, valid UTF-8 is kept as is and anything else is read as
// Shift-JIS. The encoding actually used is returned.
func Decode(data []byte, enc string) (string, string, error) {
	switch strings.ToLower(enc) {
	case "", EncodingAuto:
		if hasBOM(data) {
			out, err := decodeWith(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
			if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
				return out, EncodingUTF8, err
			}
			return out, EncodingUTF16, err
		}
		if utf8.Valid(data) {
			return string(data), EncodingUTF8, nil
		}
		out, err := decodeWith(japanese.ShiftJIS.NewDecoder(), data)
		return out, EncodingShiftJIS, err
	case EncodingUTF8, "utf8":
		out, err := decodeWith(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
		return out, EncodingUTF8, err
	case EncodingUTF16, "utf16":
		out, err := decodeWith(utf16Decoder(), data)
		return out, EncodingUTF16, err
	case EncodingShiftJIS, "shift-jis", "sjis":
		out, err := decodeWith(japanese.ShiftJIS.NewDecoder(), data)
		return out, EncodingShiftJIS, err
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
	}
}

func utf16Decoder() *encoding.Decoder {
	return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
}

func hasBOM(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xFE}) ||
		bytes.HasPrefix(data, []byte{0xFE, 0xFF})
}

func decodeWith(t transform.Transformer, data []byte) (string, error) {
	out, _, err := transform.Bytes(t, data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
