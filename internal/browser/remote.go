package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Remote drives an external automation-engine sidecar over its HTTP control
// API. Each Launch creates one engine session; the engine owns the actual
// browser process, this client only sequences commands against it.
type Remote struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

func NewRemote(baseURL string, log *zap.Logger) *Remote {
	return &Remote{
		base:   baseURL,
		client: &http.Client{Timeout: 2 * time.Minute},
		log:    log.Named("engine"),
	}
}

type launchRequest struct {
	Headless bool `json:"headless"`
	Width    int  `json:"width"`
	Height   int  `json:"height"`
}

type navState struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Launch creates a new engine session.
func (r *Remote) Launch(ctx context.Context, opts Options) (Session, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := r.do(ctx, http.MethodPost, "/sessions", launchRequest{
		Headless: opts.Headless,
		Width:    opts.Viewport.Width,
		Height:   opts.Viewport.Height,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("launch session: %w", err)
	}
	r.log.Debug("session launched", zap.String("session", out.ID))
	return &remoteSession{eng: r, id: out.ID}, nil
}

// do issues one JSON request against the engine. Request bodies may carry
// credential material, so they are never logged.
func (r *Remote) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

type remoteSession struct {
	eng   *Remote
	id    string
	url   string
	title string
}

func (s *remoteSession) path(suffix string) string {
	return "/sessions/" + s.id + suffix
}

func (s *remoteSession) Authenticate(ctx context.Context, cred Credential) error {
	in := struct {
		CNPJ        string `json:"cnpj"`
		Certificate string `json:"certificado"`
		Passphrase  string `json:"senha"`
	}{
		CNPJ:        cred.CNPJ,
		Certificate: base64.StdEncoding.EncodeToString(cred.Certificate),
		Passphrase:  cred.Passphrase,
	}
	var nav navState
	if err := s.eng.do(ctx, http.MethodPost, s.path("/login"), in, &nav); err != nil {
		return err
	}
	s.url, s.title = nav.URL, nav.Title
	return nil
}

func (s *remoteSession) Page() Page {
	return &remotePage{s: s}
}

func (s *remoteSession) Get(ctx context.Context, url string) (*Response, error) {
	in := struct {
		URL string `json:"url"`
	}{URL: url}
	var out struct {
		Status      int    `json:"status"`
		ContentType string `json:"content_type"`
		Body        []byte `json:"body"`
	}
	if err := s.eng.do(ctx, http.MethodPost, s.path("/fetch"), in, &out); err != nil {
		return nil, err
	}
	return &Response{Status: out.Status, ContentType: out.ContentType, Body: out.Body}, nil
}

func (s *remoteSession) CurrentURL() string { return s.url }
func (s *remoteSession) Title() string      { return s.title }

func (s *remoteSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.eng.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}

type remotePage struct {
	s *remoteSession
}

func (p *remotePage) open(ctx context.Context, table string) error {
	var nav navState
	if err := p.s.eng.do(ctx, http.MethodPost, p.s.path("/notes/"+table), nil, &nav); err != nil {
		return err
	}
	p.s.url, p.s.title = nav.URL, nav.Title
	return nil
}

func (p *remotePage) OpenOutgoing(ctx context.Context) error {
	return p.open(ctx, "emitidas")
}

func (p *remotePage) OpenIncoming(ctx context.Context) error {
	return p.open(ctx, "recebidas")
}

func (p *remotePage) SortByPeriod(ctx context.Context) error {
	return p.s.eng.do(ctx, http.MethodPost, p.s.path("/notes/sort"), nil, nil)
}

type rowState struct {
	Index        int    `json:"index"`
	Period       string `json:"competencia"`
	Counterparty string `json:"contraparte"`
	Valid        bool   `json:"valida"`
}

func (p *remotePage) Rows(ctx context.Context) ([]Row, error) {
	var out []rowState
	if err := p.s.eng.do(ctx, http.MethodGet, p.s.path("/notes/rows"), nil, &out); err != nil {
		return nil, err
	}
	rows := make([]Row, len(out))
	for i, st := range out {
		rows[i] = &remoteRow{s: p.s, state: st}
	}
	return rows, nil
}

func (p *remotePage) NextPage(ctx context.Context) (bool, error) {
	var out struct {
		More bool `json:"more"`
	}
	if err := p.s.eng.do(ctx, http.MethodPost, p.s.path("/notes/next"), nil, &out); err != nil {
		return false, err
	}
	return out.More, nil
}

type remoteRow struct {
	s     *remoteSession
	state rowState
}

func (r *remoteRow) Index() int               { return r.state.Index }
func (r *remoteRow) PeriodText() string       { return r.state.Period }
func (r *remoteRow) CounterpartyText() string { return r.state.Counterparty }
func (r *remoteRow) IsValid() bool            { return r.state.Valid }

func (r *remoteRow) OpenActionMenu(ctx context.Context) error {
	return r.s.eng.do(ctx, http.MethodPost, r.s.path(fmt.Sprintf("/notes/rows/%d/menu", r.state.Index)), nil, nil)
}

func (r *remoteRow) Anchors(ctx context.Context) ([]Anchor, error) {
	var out []Anchor
	err := r.s.eng.do(ctx, http.MethodGet, r.s.path(fmt.Sprintf("/notes/rows/%d/anchors", r.state.Index)), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
