// Package hawk builds client-side "Authorization: Hawk ..." headers
// for Firefox Accounts and Sync Storage endpoints. It signs requests;
// it never verifies them.
package hawk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const hawkVersion = 1

// Options carries every optional Hawk input. All fields are optional;
// Header fills in timestamp and nonce when absent.
type Options struct {
	App             string
	Dlg             string
	Ext             string
	ContentType     string
	Hash            string
	LocalTimeOffset time.Duration
	Nonce           string
	Payload         string
	Timestamp       int64 // unix seconds; 0 means "use now" (LocalTimeOffset is added only to a non-zero Timestamp)
}

// Artifacts are the normalized pieces of a signed request, returned
// alongside the header so a caller (or a test) can recompute the MAC.
type Artifacts struct {
	App      string
	Dlg      string
	Ext      string
	Hash     string
	Host     string
	Method   string
	Nonce    string
	Port     string
	Resource string
	TS       int64
}

// Header builds the full "Hawk id=..., ts=..., ..." header value for
// method on rawURL, authenticated with (id, key).
func Header(rawURL, method, id string, key []byte, opts *Options) (string, *Artifacts, error) {
	if opts == nil {
		opts = &Options{}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, errors.Wrap(err, "hawk: invalid url")
	}

	resource := u.Path
	if u.RawQuery != "" {
		resource = resource + "?" + u.RawQuery
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}

	ts := opts.Timestamp
	if ts != 0 {
		ts = ts + int64(opts.LocalTimeOffset.Seconds())
	} else {
		ts = time.Now().Unix()
	}

	nonce := opts.Nonce
	if nonce == "" {
		nonce, err = randomNonce()
		if err != nil {
			return "", nil, err
		}
	}

	hash := opts.Hash
	if hash == "" && opts.Payload != "" {
		contentType := opts.ContentType
		if contentType == "" {
			contentType = "text/plain"
		}
		hash = payloadHash(opts.Payload, contentType)
	}

	artifacts := &Artifacts{
		App:      opts.App,
		Dlg:      opts.Dlg,
		Ext:      opts.Ext,
		Hash:     hash,
		Host:     u.Hostname(),
		Method:   method,
		Nonce:    nonce,
		Port:     port,
		Resource: resource,
		TS:       ts,
	}

	mac := computeMAC("header", key, artifacts)

	var b strings.Builder
	fmt.Fprintf(&b, `Hawk id="%s", ts="%d", nonce="%s"`, id, artifacts.TS, artifacts.Nonce)
	if artifacts.Hash != "" {
		fmt.Fprintf(&b, `, hash="%s"`, artifacts.Hash)
	}
	if artifacts.Ext != "" {
		fmt.Fprintf(&b, `, ext="%s"`, escapeExt(artifacts.Ext))
	}
	fmt.Fprintf(&b, `, mac="%s"`, mac)
	if artifacts.App != "" {
		fmt.Fprintf(&b, `, app="%s"`, artifacts.App)
		if artifacts.Dlg != "" {
			fmt.Fprintf(&b, `, dlg="%s"`, artifacts.Dlg)
		}
	}

	return b.String(), artifacts, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "hawk: generate nonce")
	}
	return hex.EncodeToString(buf), nil
}

// payloadHash computes base64(SHA256("hawk.1.payload\n"+type+"\n"+payload+"\n")).
func payloadHash(payload, contentType string) string {
	token := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	update := fmt.Sprintf("hawk.%d.payload\n%s\n%s\n", hawkVersion, token, payload)
	sum := sha256.Sum256([]byte(update))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// normalize builds the "hawk.1.<type>\n..." string the MAC is over.
func normalize(typ string, a *Artifacts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "hawk.%d.%s\n", hawkVersion, typ)
	fmt.Fprintf(&b, "%d\n", a.TS)
	b.WriteString(a.Nonce)
	b.WriteString("\n")
	b.WriteString(strings.ToUpper(a.Method))
	b.WriteString("\n")
	b.WriteString(a.Resource)
	b.WriteString("\n")
	b.WriteString(strings.ToLower(a.Host))
	b.WriteString("\n")
	b.WriteString(a.Port)
	b.WriteString("\n")
	b.WriteString(a.Hash)
	b.WriteString("\n")
	b.WriteString(escapeExt(a.Ext))
	b.WriteString("\n")
	if a.App != "" {
		b.WriteString(a.App)
		b.WriteString("\n")
		if a.Dlg != "" {
			b.WriteString(a.Dlg)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func escapeExt(ext string) string {
	ext = strings.ReplaceAll(ext, `\`, `\\`)
	ext = strings.ReplaceAll(ext, "\n", `\n`)
	return ext
}

func computeMAC(typ string, key []byte, a *Artifacts) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(normalize(typ, a)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseTimestamp parses the decimal unix-seconds timestamp string
// FxA and the Token Server echo back, used to compute a local clock
// offset when the caller wants one for subsequent requests.
func ParseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "hawk: invalid timestamp")
	}
	return ts, nil
}
