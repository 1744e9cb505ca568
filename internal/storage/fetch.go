package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrImageTooLarge is returned when a fetched image exceeds Fetcher.MaxBytes.
var ErrImageTooLarge = errors.New("image exceeds size limit")

// ErrUnsupportedRef is returned for references that are not data URIs,
// bucket URLs, or http(s) URLs.
var ErrUnsupportedRef = errors.New("unsupported image reference")

// ErrBlockedAddress is returned when a download would connect to a loopback,
// private, link-local or otherwise non-public address.
var ErrBlockedAddress = errors.New("address not allowed")

// Image is a fetched image ready to forward to the image model.
type Image struct {
	Data        []byte
	ContentType string
}

// Fetcher resolves image references into bytes.
type Fetcher struct {
	// Store, when set, serves references that map to its own keys without a
	// round trip through the public URL.
	Store ObjectStore
	// HTTP downloads everything else. Defaults to a PublicHTTPClient.
	HTTP *http.Client
	// MaxBytes caps a single image. Defaults to 20 MiB.
	MaxBytes int64
	// Concurrency bounds parallel fetches in FetchAll. Defaults to 4.
	Concurrency int
}

var defaultPublicClient = PublicHTTPClient(time.Minute)

// PublicHTTPClient returns a client that only connects to public unicast
// addresses. The check runs on the resolved address of every connection,
// redirects included, so hostnames that resolve inward are refused too.
// Proxies from the environment are ignored.
func PublicHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   refuseNonPublic,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if !publicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
	}
	return nil
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	switch {
	case !a.IsValid(),
		a.IsUnspecified(),
		a.IsLoopback(),
		a.IsPrivate(),
		a.IsLinkLocalUnicast(),
		a.IsLinkLocalMulticast(),
		a.IsInterfaceLocalMulticast(),
		a.IsMulticast(),
		sharedAddressSpace.Contains(a):
		return false
	}
	return a.IsGlobalUnicast()
}

func (f *Fetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return 20 << 20
}

// Fetch resolves one reference.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return Image{}, ErrUnsupportedRef
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURI(ref, f.maxBytes())
	}

	if f.Store != nil {
		if key, ok := f.Store.KeyForURL(ref); ok {
			data, ct, err := f.Store.Read(ctx, key)
			if err != nil {
				return Image{}, fmt.Errorf("read %s: %w", key, err)
			}
			return Image{Data: data, ContentType: sniff(ct, data)}, nil
		}
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Image{}, fmt.Errorf("%w: %.40q", ErrUnsupportedRef, ref)
	}
	return f.download(ctx, u.String())
}

func (f *Fetcher) download(ctx context.Context, rawURL string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Image{}, err
	}
	hc := f.HTTP
	if hc == nil {
		hc = defaultPublicClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Image{}, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	limit := f.maxBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Image{}, fmt.Errorf("download image: %w", err)
	}
	if int64(len(data)) > limit {
		return Image{}, ErrImageTooLarge
	}
	return Image{Data: data, ContentType: sniff(resp.Header.Get("Content-Type"), data)}, nil
}

// FetchAll resolves refs concurrently and returns the images in input order.
// The first failure cancels the remaining fetches.
func (f *Fetcher) FetchAll(ctx context.Context, refs []string) ([]Image, error) {
	out := make([]Image, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	n := f.Concurrency
	if n <= 0 {
		n = 4
	}
	g.SetLimit(n)
	for i, ref := range refs {
		g.Go(func() error {
			img, err := f.Fetch(gctx, ref)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			out[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeDataURI handles the base64 data URIs browsers produce from file inputs.
func decodeDataURI(ref string, limit int64) (Image, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return Image{}, fmt.Errorf("%w: data URI must be base64", ErrUnsupportedRef)
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > limit+2 {
		return Image{}, ErrImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("decode data URI: %w", err)
	}
	if int64(len(data)) > limit {
		return Image{}, ErrImageTooLarge
	}
	return Image{Data: data, ContentType: sniff(strings.TrimSuffix(meta, ";base64"), data)}, nil
}

func sniff(declared string, data []byte) string {
	ct := strings.TrimSpace(strings.Split(declared, ";")[0])
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return http.DetectContentType(data)
}
