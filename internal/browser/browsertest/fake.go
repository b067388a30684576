// Package browsertest provides an in-memory portal fake implementing the
// browser interfaces, shared by the scan, orchestrator and api tests.
package browsertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nfgrab/nfgrab/internal/browser"
)

// RowSpec describes one table row. When Anchors is nil the default NFSe and
// DANFS-e anchors are derived from Key.
type RowSpec struct {
	Period       string
	Counterparty string
	Valid        bool
	Key          string
	Anchors      []browser.Anchor
	MenuErr      error
}

// TableSpec is one notes table: a slice of pages, each a slice of rows.
type TableSpec struct {
	Pages   [][]RowSpec
	OpenErr error
	RowsErr error
}

// Payload is a canned response for a download URL.
type Payload struct {
	Status      int
	ContentType string
	Body        []byte
}

// Portal is the shared state behind every session the factory launches.
type Portal struct {
	AuthErr   error
	AuthDelay time.Duration
	Emitidas  TableSpec
	Recebidas TableSpec

	// Payloads overrides download responses by URL substring. Anything not
	// matched falls back to a well-formed XML or PDF body by route.
	Payloads map[string]Payload

	mu   sync.Mutex
	gets []string
}

// Gets returns every URL fetched through any session, in order.
func (p *Portal) Gets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.gets...)
}

func (p *Portal) recordGet(url string) {
	p.mu.Lock()
	p.gets = append(p.gets, url)
	p.mu.Unlock()
}

func (p *Portal) payloadFor(url string) Payload {
	for frag, pl := range p.Payloads {
		if strings.Contains(url, frag) {
			return pl
		}
	}
	if strings.Contains(url, "/Notas/Download/NFSe/") {
		return Payload{Status: 200, ContentType: "application/xml", Body: []byte(`<?xml version="1.0"?><NFSe><Numero>1</Numero></NFSe>`)}
	}
	if strings.Contains(url, "/Notas/Download/DANFSe/") {
		return Payload{Status: 200, ContentType: "application/pdf", Body: []byte("%PDF-1.4 fake receipt body with enough bytes")}
	}
	return Payload{Status: 404, ContentType: "text/html", Body: []byte("not found")}
}

// Factory launches sessions against a single Portal.
type Factory struct {
	Portal    *Portal
	LaunchErr error

	mu       sync.Mutex
	launched int
}

func (f *Factory) Launch(ctx context.Context, opts browser.Options) (browser.Session, error) {
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	f.mu.Lock()
	f.launched++
	f.mu.Unlock()
	return &session{portal: f.Portal}, nil
}

// Launched returns how many sessions were created.
func (f *Factory) Launched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

// Creds is a CredentialProvider returning a fixed credential or an error.
type Creds struct {
	Err error
}

func (c Creds) Credential(ctx context.Context, companyID string) (browser.Credential, error) {
	if c.Err != nil {
		return browser.Credential{}, c.Err
	}
	return browser.Credential{CNPJ: "00000000000191", Certificate: []byte("pfx"), Passphrase: "secret"}, nil
}

type session struct {
	portal *Portal
	authed bool
}

func (s *session) Authenticate(ctx context.Context, cred browser.Credential) error {
	if s.portal.AuthDelay > 0 {
		t := time.NewTimer(s.portal.AuthDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if s.portal.AuthErr != nil {
		return s.portal.AuthErr
	}
	s.authed = true
	return nil
}

func (s *session) Page() browser.Page {
	return &page{portal: s.portal}
}

func (s *session) Get(ctx context.Context, url string) (*browser.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.portal.recordGet(url)
	pl := s.portal.payloadFor(url)
	return &browser.Response{Status: pl.Status, ContentType: pl.ContentType, Body: pl.Body}, nil
}

func (s *session) CurrentURL() string { return "https://portal.test/Notas/Minhas" }
func (s *session) Title() string      { return "Portal de Notas" }
func (s *session) Close() error       { return nil }

type page struct {
	portal  *Portal
	table   *TableSpec
	pageIdx int
}

func (p *page) open(spec *TableSpec) error {
	if spec.OpenErr != nil {
		return spec.OpenErr
	}
	p.table = spec
	p.pageIdx = 0
	return nil
}

func (p *page) OpenOutgoing(ctx context.Context) error {
	return p.open(&p.portal.Emitidas)
}

func (p *page) OpenIncoming(ctx context.Context) error {
	return p.open(&p.portal.Recebidas)
}

func (p *page) SortByPeriod(ctx context.Context) error { return nil }

func (p *page) Rows(ctx context.Context) ([]browser.Row, error) {
	if p.table == nil {
		return nil, nil
	}
	if p.table.RowsErr != nil {
		return nil, p.table.RowsErr
	}
	if p.pageIdx >= len(p.table.Pages) {
		return nil, nil
	}
	specs := p.table.Pages[p.pageIdx]
	rows := make([]browser.Row, len(specs))
	for i := range specs {
		rows[i] = &row{spec: specs[i], idx: i}
	}
	return rows, nil
}

func (p *page) NextPage(ctx context.Context) (bool, error) {
	if p.table == nil || p.pageIdx+1 >= len(p.table.Pages) {
		return false, nil
	}
	p.pageIdx++
	return true, nil
}

type row struct {
	spec RowSpec
	idx  int
}

func (r *row) Index() int               { return r.idx }
func (r *row) PeriodText() string       { return r.spec.Period }
func (r *row) CounterpartyText() string { return r.spec.Counterparty }
func (r *row) IsValid() bool            { return r.spec.Valid }

func (r *row) OpenActionMenu(ctx context.Context) error {
	return r.spec.MenuErr
}

func (r *row) Anchors(ctx context.Context) ([]browser.Anchor, error) {
	if r.spec.Anchors != nil {
		return r.spec.Anchors, nil
	}
	return []browser.Anchor{
		{Href: "/Notas/Download/NFSe/" + r.spec.Key, Text: "XML"},
		{Href: "/Notas/Download/DANFSe/" + r.spec.Key, Text: "DANFS-e"},
	}, nil
}
