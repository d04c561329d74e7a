package sync_test

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/inkwell-sync/inkwell/fetch"
	"github.com/inkwell-sync/inkwell/store"
	"github.com/inkwell-sync/inkwell/util/cliutil"
)

func testStore(t *testing.T) (*store.Store, *store.ImageStore) {
	t.Helper()
	st, images, _ := testStoreDB(t)
	return st, images
}

// testStoreDB also exposes the raw connection so tests can corrupt state
// behind the store's back.
func testStoreDB(t *testing.T) (*store.Store, *store.ImageStore, *gorm.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(dir, "test.sqlite"), 10)
	require.NoError(t, err)
	st, err := store.NewStore(db)
	require.NoError(t, err)
	images, err := store.NewImageStore(filepath.Join(dir, "images"))
	require.NoError(t, err)
	return st, images, db
}

// fakeClient serves a fixed notebook/section/page hierarchy from memory and
// counts content fetches per page.
type fakeClient struct {
	mu gosync.Mutex

	notebooks []fetch.Notebook
	sections  map[string][]fetch.Section  // notebook id -> sections
	pages     map[string][]fetch.PageMeta // section id -> pages
	content   map[string]string           // page id -> html
	broken    map[string]error            // page id -> forced content error

	contentDelay  time.Duration
	contentCalls  map[string]int
	imageCalls    int
	listPageCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sections:     map[string][]fetch.Section{},
		pages:        map[string][]fetch.PageMeta{},
		content:      map[string]string{},
		broken:       map[string]error{},
		contentCalls: map[string]int{},
	}
}

// addPage registers a page under nb1/sec1-style ids with modification time
// in the past so a later re-list reports it as fresh.
func (f *fakeClient) addPage(notebookID, sectionID, pageID, html string, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := false
	for _, nb := range f.notebooks {
		if nb.ID == notebookID {
			found = true
		}
	}
	if !found {
		f.notebooks = append(f.notebooks, fetch.Notebook{ID: notebookID, DisplayName: "Notebook " + notebookID})
	}

	found = false
	for _, sec := range f.sections[notebookID] {
		if sec.ID == sectionID {
			found = true
		}
	}
	if !found {
		f.sections[notebookID] = append(f.sections[notebookID], fetch.Section{
			ID: sectionID, NotebookID: notebookID, DisplayName: "Section " + sectionID,
		})
	}

	f.pages[sectionID] = append(f.pages[sectionID], fetch.PageMeta{
		ID:         pageID,
		Title:      "Page " + pageID,
		Author:     "Ada",
		ModifiedAt: modified,
		NotebookID: notebookID,
		SectionID:  sectionID,
	})
	f.content[pageID] = html
}

func (f *fakeClient) updatePage(pageID, html string, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[pageID] = html
	for secID, pages := range f.pages {
		for i := range pages {
			if pages[i].ID == pageID {
				f.pages[secID][i].ModifiedAt = modified
			}
		}
	}
}

func (f *fakeClient) removePage(pageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for secID, pages := range f.pages {
		kept := pages[:0]
		for _, p := range pages {
			if p.ID != pageID {
				kept = append(kept, p)
			}
		}
		f.pages[secID] = kept
	}
	delete(f.content, pageID)
}

func (f *fakeClient) fetchCount(pageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentCalls[pageID]
}

func (f *fakeClient) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.contentCalls {
		total += n
	}
	return total
}

func (f *fakeClient) ListNotebooks(ctx context.Context) ([]fetch.Notebook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetch.Notebook{}, f.notebooks...), nil
}

func (f *fakeClient) ListSections(ctx context.Context, notebookID string) ([]fetch.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetch.Section{}, f.sections[notebookID]...), nil
}

func (f *fakeClient) ListPages(ctx context.Context, sectionID string) ([]fetch.PageMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPageCalls++
	return append([]fetch.PageMeta{}, f.pages[sectionID]...), nil
}

func (f *fakeClient) GetPageContent(ctx context.Context, pageID string) (*fetch.PageContent, error) {
	f.mu.Lock()
	f.contentCalls[pageID]++
	delay := f.contentDelay
	err := f.broken[pageID]
	html := f.content[pageID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &fetch.PageContent{
		HTML:      html,
		PlainText: fetch.ExtractText(html),
		Images:    fetch.ExtractImages(html),
	}, nil
}

func (f *fakeClient) GetPageImage(ctx context.Context, resourceURL string) (*fetch.ImageData, error) {
	f.mu.Lock()
	f.imageCalls++
	f.mu.Unlock()
	return &fetch.ImageData{Data: []byte{0x89, 0x50, 0x4e, 0x47}, MimeType: "image/png"}, nil
}
