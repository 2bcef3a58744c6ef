/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package directory scrapes HTML phone directories whose result pages list
// one contact per repeated element.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/blnkfinance/prospekt/config"
	"github.com/blnkfinance/prospekt/model"
	"github.com/blnkfinance/prospekt/source"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// ClientFactory builds the HTTP client a request is sent with.
type ClientFactory func(lease *model.Lease) (*http.Client, error)

// Adapter implements source.Adapter for one configured directory.
type Adapter struct {
	cfg       config.DirectorySource
	newClient ClientFactory
}

type Option func(*Adapter)

// WithClientFactory replaces the default client construction.
func WithClientFactory(f ClientFactory) Option {
	return func(a *Adapter) {
		a.newClient = f
	}
}

// New validates cfg and returns an adapter for it.
func New(cfg config.DirectorySource, opts ...Option) (*Adapter, error) {
	if cfg.Name == "" || cfg.SearchURL == "" || cfg.Selectors.Entry == "" {
		return nil, errors.New("directory source needs a name, a search url and an entry selector")
	}
	if _, err := url.Parse(cfg.SearchURL); err != nil {
		return nil, fmt.Errorf("directory %s: %w", cfg.Name, err)
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "q"
	}
	if cfg.LocalityParam == "" {
		cfg.LocalityParam = "where"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	a := &Adapter{cfg: cfg, newClient: ProxyClient}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ProxyClient sends requests through the leased proxy, or directly without a lease.
func ProxyClient(lease *model.Lease) (*http.Client, error) {
	if lease == nil || lease.Kind != model.ResourceProxy {
		return &http.Client{}, nil
	}
	proxyURL, err := url.Parse(lease.Address)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", lease.ResourceID, err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{Transport: transport}, nil
}

func (a *Adapter) Name() string {
	return a.cfg.Name
}

func (a *Adapter) Requires() model.ResourceKind {
	if a.cfg.UseProxy {
		return model.ResourceProxy
	}
	return model.ResourceNone
}

func (a *Adapter) ClassifyError(err error) model.Outcome {
	return source.ClassifyHTTP(err)
}

// Search fetches one result page and turns each entry into a candidate.
func (a *Adapter) Search(ctx context.Context, req source.Request) ([]model.RawCandidate, error) {
	pageURL, err := a.searchURL(req.Query, req.Locality)
	if err != nil {
		return nil, err
	}

	client, err := a.newClient(req.Lease)
	if err != nil {
		return nil, err
	}

	doc, err := a.fetchDocument(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}
	return a.extract(doc, req.Locality), nil
}

func (a *Adapter) searchURL(query, locality string) (string, error) {
	u, err := url.Parse(a.cfg.SearchURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if query != "" {
		q.Set(a.cfg.QueryParam, query)
	}
	q.Set(a.cfg.LocalityParam, locality)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) fetchDocument(ctx context.Context, client *http.Client, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Accept-Language", "fr-CH,fr;q=0.9,de-CH;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request directory page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &source.StatusError{Code: resp.StatusCode, URL: pageURL}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse directory page: %w", err)
	}
	return doc, nil
}

func (a *Adapter) extract(doc *goquery.Document, locality string) []model.RawCandidate {
	sel := a.cfg.Selectors
	var out []model.RawCandidate

	doc.Find(sel.Entry).Each(func(_ int, entry *goquery.Selection) {
		c := model.RawCandidate{
			SourceID:   a.cfg.Name,
			Name:       field(entry, sel.Name, ""),
			FirstName:  field(entry, sel.FirstName, ""),
			Phone:      field(entry, sel.Phone, "tel:"),
			Email:      field(entry, sel.Email, "mailto:"),
			Address:    field(entry, sel.Address, ""),
			PostalCode: field(entry, sel.PostalCode, ""),
			City:       field(entry, sel.City, ""),
			Company:    field(entry, sel.Company, ""),
		}
		if c.City == "" {
			c.City = locality
		}
		payload := map[string]interface{}{"locality": locality}
		if link := attr(entry, sel.Link, "href"); link != "" {
			payload["link"] = link
		}
		c.RawPayload = payload

		if !c.HasIdentity() {
			return
		}
		out = append(out, c)
	})
	return out
}

// field reads the text of the first match. Links carrying scheme (tel:, mailto:)
// are read from their href, which survives obfuscated link text.
func field(entry *goquery.Selection, selector, scheme string) string {
	if selector == "" {
		return ""
	}
	node := entry.Find(selector).First()
	if scheme != "" {
		if href, ok := node.Attr("href"); ok && strings.HasPrefix(href, scheme) {
			value := strings.TrimPrefix(href, scheme)
			if i := strings.IndexByte(value, '?'); i >= 0 {
				value = value[:i]
			}
			if unescaped, err := url.PathUnescape(value); err == nil {
				value = unescaped
			}
			return strings.TrimSpace(value)
		}
	}
	return strings.Join(strings.Fields(node.Text()), " ")
}

func attr(entry *goquery.Selection, selector, name string) string {
	if selector == "" {
		return ""
	}
	v, _ := entry.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}
