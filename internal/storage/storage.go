// Package storage uploads workflow files to the primary object store and keeps a
// best-effort secondary copy in the document store.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Object is a file stored in the primary object store.
type Object struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Document is a file copied into the secondary document store.
type Document struct {
	FileID  string `json:"file_id"`
	FileURL string `json:"file_url"`
}

// ObjectStore is the primary blob store.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) (Object, error)
}

// DocumentStore is the secondary document store.
type DocumentStore interface {
	Upload(ctx context.Context, name, folderID string, r io.Reader, contentType string) (Document, error)
}

// File is an upload waiting to be stored.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Stored is the outcome of storing one File.
type Stored struct {
	Object   Object    `json:"object"`
	Document *Document `json:"document,omitempty"`
}

// DefaultDocumentWait is how long Store waits for the document copy after the
// primary upload has finished.
const DefaultDocumentWait = 2 * time.Second

// Pipeline stores files in the object store and mirrors them into the document store.
// Only the object store upload can fail a call.
type Pipeline struct {
	objects  ObjectStore
	docs     DocumentStore
	bucket   string
	folderID string
	docWait  time.Duration
}

// NewPipeline creates a pipeline. docs may be nil to disable the secondary copy.
func NewPipeline(objects ObjectStore, docs DocumentStore, bucket, folderID string) *Pipeline {
	return &Pipeline{objects: objects, docs: docs, bucket: bucket, folderID: folderID, docWait: DefaultDocumentWait}
}

// SetDocumentWait changes how long Store waits for a document copy. A copy that takes
// longer still completes in the background, but its Document is left out of the result.
func (p *Pipeline) SetDocumentWait(d time.Duration) {
	p.docWait = d
}

// Prepare makes sure the bucket exists.
func (p *Pipeline) Prepare(ctx context.Context) error {
	if err := p.objects.EnsureBucket(ctx, p.bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Store uploads every file under prefix. When any primary upload fails the whole call fails;
// objects already written stay in the bucket unreferenced. Several files are uploaded
// concurrently through StoreAll.
func (p *Pipeline) Store(ctx context.Context, prefix string, files []File) ([]Stored, error) {
	if len(files) > 1 {
		return p.StoreAll(ctx, prefix, files)
	}
	return p.store(ctx, prefix, files)
}

func (p *Pipeline) store(ctx context.Context, prefix string, files []File) ([]Stored, error) {
	out := make([]Stored, len(files))
	for i, f := range files {
		key := objectKey(prefix, f.Name)

		var docCh chan *Document
		if p.docs != nil {
			docCh = make(chan *Document, 1)
			go func(f File) {
				// Detached so a cancelled request does not abort the copy halfway.
				doc, err := p.docs.Upload(context.WithoutCancel(ctx), path.Base(key), p.folderID,
					bytes.NewReader(f.Data), f.ContentType)
				if err != nil {
					slog.Warn("document store copy failed", "name", f.Name, "error", err)
					docCh <- nil
					return
				}
				docCh <- &doc
			}(f)
		}

		obj, err := p.objects.Upload(ctx, p.bucket, key, bytes.NewReader(f.Data), f.ContentType)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		out[i].Object = obj
		if docCh != nil {
			out[i].Document = p.awaitDocument(ctx, f.Name, docCh)
		}
	}
	return out, nil
}

func (p *Pipeline) awaitDocument(ctx context.Context, name string, docCh <-chan *Document) *Document {
	timer := time.NewTimer(p.docWait)
	defer timer.Stop()
	select {
	case doc := <-docCh:
		return doc
	case <-timer.C:
		slog.Info("document store copy still running", "name", name, "waited", p.docWait)
	case <-ctx.Done():
	}
	return nil
}

// StoreAll uploads files concurrently. It behaves like Store but does not preserve
// per-file ordering of side effects.
func (p *Pipeline) StoreAll(ctx context.Context, prefix string, files []File) ([]Stored, error) {
	out := make([]Stored, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range files {
		g.Go(func() error {
			stored, err := p.store(gctx, prefix, []File{f})
			if err != nil {
				return err
			}
			out[i] = stored[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// URLs returns the primary URLs of stored files.
func URLs(stored []Stored) []string {
	urls := make([]string, 0, len(stored))
	for _, s := range stored {
		urls = append(urls, s.Object.URL)
	}
	return urls
}

func objectKey(prefix, name string) string {
	name = strings.ReplaceAll(path.Base(strings.ReplaceAll(name, "\\", "/")), " ", "_")
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return path.Join(strings.Trim(prefix, "/"), uuid.NewString()+"-"+name)
}
