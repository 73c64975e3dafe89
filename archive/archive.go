// Package archive holds helpers shared by the archive sinks in
// archive/s3, archive/gcs and archive/file. Archives are write-only: they receive every
// completed expansion and are never read back by the resolver.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rbaliyan/ews/store"
)

// DefaultPrefix is the object key prefix used when none is configured.
const DefaultPrefix = "expansions"

// Object is an encoded snapshot ready for upload.
type Object struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
}

// ObjectKey returns <prefix>/<address>/<yyyy>/<mm>/<dd>/<id>.json.
func ObjectKey(prefix string, e *store.Expansion) string {
	addr := strings.NewReplacer("/", "_", "\\", "_").Replace(store.Key(e.Address))
	return path.Join(prefix, addr, e.ResolvedAt.UTC().Format("2006/01/02"), e.ID+".json")
}

// Encode validates e and renders it as JSON, gzip-compressed when compress is set.
func Encode(prefix string, e *store.Expansion, compress bool) (*Object, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal expansion: %w", err)
	}

	obj := &Object{
		Key:         ObjectKey(prefix, e),
		Body:        data,
		ContentType: "application/json",
	}
	if !compress {
		return obj, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	obj.Body = buf.Bytes()
	obj.ContentEncoding = "gzip"
	return obj, nil
}
