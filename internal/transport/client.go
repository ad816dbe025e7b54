// Package transport implements the client side of the Smart HTTP wire
// protocol (§4.H/§6): ref discovery, fetch negotiation, and push. The
// teacher's internal/transport/http.go plays this same role but
// "parses" pkt-line with a bufio.Scanner over newlines and sends pack
// negotiation as unframed plain text; this package keeps its shape
// (a small struct wrapping *http.Client, one method per protocol
// phase, the same URL-parsing helpers) while replacing that body with
// real internal/pktline framing against internal/smarthttp's server.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/pack"
	"github.com/gitvault/server/internal/pktline"
	"github.com/gitvault/server/internal/smarthttp"
)

// ObjectStore is the read/write contract Fetch and Push need from the
// local object store.
type ObjectStore interface {
	smarthttp.ObjectGetter
	Put(ctx context.Context, typ objects.ObjectType, content []byte) (objects.ObjectID, error)
}

// Client is an HTTP client for one remote repository's Smart HTTP
// endpoints.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	UserAgent string
}

// NewClient builds a client against baseURL, the repository root that
// /info/refs, /git-upload-pack, and /git-receive-pack hang off of.
func NewClient(baseURL string) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 120 * time.Second},
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		UserAgent: "gitvault/1.0",
	}
}

// RefAdvertisement is the parsed result of GET /info/refs.
type RefAdvertisement struct {
	Service      string
	Refs         map[string]objects.ObjectID
	Capabilities []string
	// HeadTarget is the branch HEAD points at, from the symref=HEAD:<ref>
	// capability, empty if the server didn't advertise one.
	HeadTarget string
}

// DiscoverRefs performs GET /info/refs?service=<service>, parsing the
// pkt-line ref advertisement §4.H describes: a "# service=" line, a
// FLUSH, then one ref line per ref (the first carrying capabilities
// after a NUL byte) ending in another FLUSH.
func (c *Client) DiscoverRefs(ctx context.Context, service string) (*RefAdvertisement, error) {
	reqURL := fmt.Sprintf("%s/info/refs?service=%s", c.BaseURL, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build discover request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: discover refs: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	wantType := fmt.Sprintf("application/x-%s-advertisement", service)
	if ct := resp.Header.Get("Content-Type"); ct != wantType {
		return nil, fmt.Errorf("transport: unexpected content type %q (want %q)", ct, wantType)
	}

	pr := pktline.NewReader(resp.Body)
	first, err := pr.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("transport: read service line: %w", err)
	}
	svcLine := strings.TrimSuffix(string(first.Payload), "\n")
	if !strings.HasPrefix(svcLine, "# service=") {
		return nil, fmt.Errorf("transport: malformed service line %q", svcLine)
	}

	if sep, err := pr.ReadPacket(); err != nil {
		return nil, fmt.Errorf("transport: read separator: %w", err)
	} else if sep.Kind != pktline.KindFlush {
		return nil, fmt.Errorf("transport: expected flush after service line")
	}

	ad := &RefAdvertisement{
		Service: strings.TrimPrefix(svcLine, "# service="),
		Refs:    map[string]objects.ObjectID{},
	}
	firstRef := true
	for {
		pkt, err := pr.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("transport: read ref advertisement: %w", err)
		}
		if pkt.Kind == pktline.KindFlush {
			break
		}
		if pkt.Kind != pktline.KindData {
			continue
		}
		line := strings.TrimSuffix(string(pkt.Payload), "\n")
		shaPart, rest := line, ""
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			shaPart, rest = line[:idx], line[idx+1:]
		}
		if firstRef {
			if idx := strings.IndexByte(rest, 0); idx >= 0 {
				ad.Capabilities = smarthttp.ParseCapabilities(rest[idx+1:])
				rest = rest[:idx]
			}
			firstRef = false
		}
		refName := rest
		if strings.HasSuffix(refName, "^{}") {
			continue // peeled tag target, not a ref itself
		}
		if shaPart == "capabilities^{}" || refName == "" {
			continue // empty-repository marker
		}
		id, err := objects.NewObjectID(shaPart)
		if err != nil {
			continue
		}
		ad.Refs[refName] = id
	}

	for _, token := range ad.Capabilities {
		if strings.HasPrefix(token, "symref=HEAD:") {
			ad.HeadTarget = strings.TrimPrefix(token, "symref=HEAD:")
		}
	}
	return ad, nil
}

// Fetch negotiates and downloads every object reachable from wants but
// not from haves, writing each resolved object into store.
func (c *Client) Fetch(ctx context.Context, store ObjectStore, wants, haves []objects.ObjectID, capabilities []string) ([]pack.ResolvedObject, error) {
	var body bytes.Buffer
	pw := pktline.NewWriter(&body)
	for i, want := range wants {
		line := fmt.Sprintf("want %s", want.String())
		if i == 0 && len(capabilities) > 0 {
			line += "\x00" + strings.Join(capabilities, " ")
		}
		if err := pw.WriteString(line + "\n"); err != nil {
			return nil, err
		}
	}
	if err := pw.Flush(); err != nil {
		return nil, err
	}
	for _, have := range haves {
		if err := pw.WriteString(fmt.Sprintf("have %s\n", have.String())); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteString("done\n"); err != nil {
		return nil, err
	}

	reqURL := c.BaseURL + "/git-upload-pack"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return nil, fmt.Errorf("transport: build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	req.Header.Set("Accept", "application/x-git-upload-pack-result")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	pr := pktline.NewReader(resp.Body)
	ack, err := pr.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("transport: read ack/nak: %w", err)
	}
	if !strings.HasPrefix(string(ack.Payload), "NAK") && !strings.HasPrefix(string(ack.Payload), "ACK") {
		return nil, fmt.Errorf("transport: unexpected ack line %q", string(ack.Payload))
	}

	sideband := containsCap(capabilities, "side-band") || containsCap(capabilities, "side-band-64k")
	var packBuf bytes.Buffer
	for {
		pkt, err := pr.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("transport: read pack data: %w", err)
		}
		if pkt.Kind == pktline.KindFlush {
			break
		}
		if pkt.Kind != pktline.KindData {
			continue
		}
		if !sideband {
			packBuf.Write(pkt.Payload)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		band, rest := pkt.Payload[0], pkt.Payload[1:]
		switch band {
		case 1:
			packBuf.Write(rest)
		case 2:
			// progress channel, nothing to surface synchronously here
		case 3:
			return nil, fmt.Errorf("transport: remote error: %s", string(rest))
		}
	}

	resolved, err := pack.ReadPack(&packBuf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: unpack fetched objects: %w", err)
	}
	for _, obj := range resolved {
		if _, err := store.Put(ctx, objects.ObjectType(obj.Type), obj.Data); err != nil {
			return nil, fmt.Errorf("transport: store fetched object %s: %w", obj.SHA, err)
		}
	}
	return resolved, nil
}

// PushResult reports one ref command's outcome: a nil error means the
// remote accepted it.
type PushResult struct {
	Ref string
	Err error
}

// Push sends a set of ref commands and the pack of objects the remote
// is missing for them. missingObjects is typically the result of
// running smarthttp.Enumerator.MissingClosure(ctx, newShas, remoteHaves)
// against the local store before calling Push.
func (c *Client) Push(ctx context.Context, store ObjectStore, commands []smarthttp.RefCommand, missingObjects []objects.ObjectID, capabilities []string) ([]PushResult, error) {
	var body bytes.Buffer
	pw := pktline.NewWriter(&body)
	for i, cmd := range commands {
		line := fmt.Sprintf("%s %s %s", cmd.OldSHA.String(), cmd.NewSHA.String(), cmd.Ref)
		if i == 0 && len(capabilities) > 0 {
			line += "\x00" + strings.Join(capabilities, " ")
		}
		if err := pw.WriteString(line + "\n"); err != nil {
			return nil, err
		}
	}
	if err := pw.Flush(); err != nil {
		return nil, err
	}

	entries := make([]pack.Entry, 0, len(missingObjects))
	for _, sha := range missingObjects {
		typ, data, err := store.Get(ctx, sha)
		if err != nil {
			return nil, fmt.Errorf("transport: read local object %s: %w", sha, err)
		}
		entries = append(entries, pack.Entry{Type: typ, Data: data})
	}
	if err := pack.WritePack(&body, entries); err != nil {
		return nil, fmt.Errorf("transport: build push pack: %w", err)
	}

	reqURL := c.BaseURL + "/git-receive-pack"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return nil, fmt.Errorf("transport: build push request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Content-Type", "application/x-git-receive-pack-request")
	req.Header.Set("Accept", "application/x-git-receive-pack-result")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: push: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	pr := pktline.NewReader(resp.Body)
	unpackLine, err := pr.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("transport: read unpack status: %w", err)
	}
	unpack := strings.TrimSuffix(string(unpackLine.Payload), "\n")
	if unpack != "unpack ok" {
		return nil, fmt.Errorf("transport: remote unpack failed: %s", unpack)
	}

	var results []PushResult
	for {
		pkt, err := pr.ReadPacket()
		if err == io.EOF || pkt.Kind == pktline.KindFlush {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("transport: read push status: %w", err)
		}
		if pkt.Kind != pktline.KindData {
			continue
		}
		line := strings.TrimSuffix(string(pkt.Payload), "\n")
		fields := strings.SplitN(line, " ", 3)
		switch {
		case len(fields) >= 2 && fields[0] == "ok":
			results = append(results, PushResult{Ref: fields[1]})
		case len(fields) >= 3 && fields[0] == "ng":
			results = append(results, PushResult{Ref: fields[1], Err: fmt.Errorf("%s", fields[2])})
		}
	}
	return results, nil
}

func containsCap(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("transport: unauthorized")
	case http.StatusForbidden:
		return fmt.Errorf("transport: forbidden")
	case http.StatusNotFound:
		return fmt.Errorf("transport: repository not found")
	case http.StatusTooManyRequests:
		retry := resp.Header.Get("Retry-After")
		return fmt.Errorf("transport: rate limited, retry after %s", retry)
	default:
		return fmt.Errorf("transport: unexpected status %d", resp.StatusCode)
	}
}

// ParseGitURL normalizes a Git remote URL to an HTTP(S) base URL: SSH
// shorthand (git@host:path), http(s) URLs (upgraded to https except
// for loopback test hosts), and GitHub "owner/repo" shorthand.
func ParseGitURL(gitURL string) (string, error) {
	if strings.HasPrefix(gitURL, "git@") {
		parts := strings.SplitN(gitURL, ":", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("transport: invalid ssh-form url %q", gitURL)
		}
		host := strings.TrimPrefix(parts[0], "git@")
		path := strings.TrimSuffix(parts[1], ".git")
		return fmt.Sprintf("https://%s/%s", host, path), nil
	}

	if strings.HasPrefix(gitURL, "http://") || strings.HasPrefix(gitURL, "https://") {
		u, err := url.Parse(gitURL)
		if err != nil {
			return "", fmt.Errorf("transport: invalid url %q: %w", gitURL, err)
		}
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && !strings.HasPrefix(host, "127.") {
			u.Scheme = "https"
		}
		u.Path = strings.TrimSuffix(u.Path, ".git")
		return u.String(), nil
	}

	if strings.Count(gitURL, "/") == 1 && !strings.Contains(gitURL, ":") {
		return fmt.Sprintf("https://github.com/%s", gitURL), nil
	}

	return "", fmt.Errorf("transport: unsupported url format %q", gitURL)
}
