// Package browser defines the boundary to the external browser-automation
// engine and to the credential collaborator. The orchestration pipeline only
// ever talks to these interfaces; the real engine (and the in-memory fakes
// used by tests) live behind them.
package browser

import "context"

// Viewport is the browser window size used when launching a session.
type Viewport struct {
	Width  int
	Height int
}

// Options controls how a session is launched.
type Options struct {
	Headless bool
	Viewport Viewport
}

// Credential is the decrypted, session-ready material for one company.
// It must never be persisted or logged by this service.
type Credential struct {
	CNPJ        string
	Certificate []byte
	Passphrase  string
}

// CredentialProvider resolves the stored credential for a company.
type CredentialProvider interface {
	Credential(ctx context.Context, companyID string) (Credential, error)
}

// Factory launches authenticated-capable browser sessions. Each job owns
// exactly one session for its lifetime.
type Factory interface {
	Launch(ctx context.Context, opts Options) (Session, error)
}

// Response is the result of an HTTP request issued through the session.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Session is one authenticated browser context.
type Session interface {
	// Authenticate logs into the portal with the given credential.
	Authenticate(ctx context.Context, cred Credential) error
	// Page returns the dashboard page of the authenticated session.
	Page() Page
	// Get issues an HTTP GET through the session's authenticated cookie
	// jar, so downloads do not need a second login or page navigation.
	Get(ctx context.Context, url string) (*Response, error)
	// CurrentURL returns the URL the page is currently on.
	CurrentURL() string
	// Title returns the current page title.
	Title() string
	Close() error
}

// Page drives the notes screens of the portal.
type Page interface {
	// OpenOutgoing navigates to the Emitidas table.
	OpenOutgoing(ctx context.Context) error
	// OpenIncoming navigates to the Recebidas table.
	OpenIncoming(ctx context.Context) error
	// SortByPeriod orders the visible table by the competência column.
	SortByPeriod(ctx context.Context) error
	// Rows returns the rows of the current results page.
	Rows(ctx context.Context) ([]Row, error)
	// NextPage advances the pagination. It returns false when there is no
	// further page.
	NextPage(ctx context.Context) (bool, error)
}

// Row is one line of the results table.
type Row interface {
	// Index is the zero-based position of the row on its page.
	Index() int
	// PeriodText is the competência cell, formatted "MM/YYYY".
	PeriodText() string
	// CounterpartyText is the issued-to (Emitidas) or issued-by
	// (Recebidas) cell; it names the folder the artifacts are filed under.
	CounterpartyText() string
	// IsValid reports whether the note is downloadable. Cancelled or
	// malformed notes return false and are skipped.
	IsValid() bool
	// OpenActionMenu expands the row's action menu so its links resolve.
	OpenActionMenu(ctx context.Context) error
	// Anchors returns the anchor elements of the action menu in DOM order.
	Anchors(ctx context.Context) ([]Anchor, error)
}

// Anchor is a link inside a row's action menu.
type Anchor struct {
	Href string
	Text string
}
