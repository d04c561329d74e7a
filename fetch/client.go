// Package fetch is the only component that talks to the upstream document
// provider. All calls go through a shared token-bucket limiter with
// adaptive backoff on quota rejections.
package fetch

import (
	"context"
	"errors"
	"time"
)

// ErrQuotaExhausted is returned after the quota retry budget runs out on
// repeated 429 responses.
var ErrQuotaExhausted = errors.New("upstream quota retries exhausted")

// ErrUpstream covers transient upstream failures (network, 5xx) after the
// transient retry budget runs out.
var ErrUpstream = errors.New("upstream request failed")

// ErrNotFound is returned for items that no longer exist upstream.
var ErrNotFound = errors.New("not found upstream")

type Notebook struct {
	ID          string
	DisplayName string
}

type Section struct {
	ID          string
	NotebookID  string
	DisplayName string
}

// PageMeta is the cheap per-page metadata returned by enumeration; content
// is fetched separately.
type PageMeta struct {
	ID         string
	Title      string
	Author     string
	CreatedAt  *time.Time
	ModifiedAt time.Time

	NotebookID   string
	NotebookName string
	SectionID    string
	SectionName  string

	WebURL string
}

// ImageRef is an embedded asset reference extracted from page content.
type ImageRef struct {
	Src        string
	FullResSrc string
	AltText    string
}

type PageContent struct {
	HTML      string
	PlainText string
	Images    []ImageRef
}

type ImageData struct {
	Data     []byte
	MimeType string
}

// Client is the narrow fetch interface the orchestrator consumes. All four
// read operations are idempotent and safe to retry.
type Client interface {
	ListNotebooks(ctx context.Context) ([]Notebook, error)
	ListSections(ctx context.Context, notebookID string) ([]Section, error)
	ListPages(ctx context.Context, sectionID string) ([]PageMeta, error)
	GetPageContent(ctx context.Context, pageID string) (*PageContent, error)
	GetPageImage(ctx context.Context, resourceURL string) (*ImageData, error)
}
