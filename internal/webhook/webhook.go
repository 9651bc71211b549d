// Package webhook implements the HTTPS receiver the tracker pushes issue
// and relation change events to: verify the shared-secret signature,
// decode just enough to route, and forward to the syncer, over a
// graceful http.Server Start/StartContext shape trimmed down to a
// single POST handler instead of a full REST/SSE mux.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/orca-dev/orca/internal/orcalog"
)

const shutdownGrace = 5 * time.Second

// maxBodyBytes bounds webhook payload size; the tracker's issue/relation
// events are small, so anything past this is treated as malformed.
const maxBodyBytes = 1 << 20

// Applier forwards a verified, decoded payload to the syncer.
type Applier interface {
	ApplyWebhookPayload(ctx context.Context, body []byte) error
}

// Config configures a Receiver.
type Config struct {
	Addr            string
	Secret          string
	SignatureHeader string // default: X-Orca-Signature
	Applier         Applier
	Log             orcalog.Logger
}

// Receiver is the webhook HTTP server.
type Receiver struct {
	addr            string
	secret          string
	signatureHeader string
	applier         Applier
	log             orcalog.Logger
	server          *http.Server
}

// New builds a Receiver.
func New(cfg Config) *Receiver {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}
	header := cfg.SignatureHeader
	if header == "" {
		header = "X-Orca-Signature"
	}
	return &Receiver{
		addr:            cfg.Addr,
		secret:          cfg.Secret,
		signatureHeader: header,
		applier:         cfg.Applier,
		log:             log,
	}
}

// Start listens on Addr and serves until ctx is canceled, at which point
// it shuts down gracefully with a bounded grace period.
func (r *Receiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", r.handle)

	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.addr, err)
	}

	r.server = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.log.Warn("webhook server shutdown", "error", err)
		}
	}()

	r.log.Info("webhook receiver listening", "addr", ln.Addr().String())
	if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve webhook: %w", err)
	}
	return nil
}

func (r *Receiver) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "payload too large", http.StatusBadRequest)
		return
	}

	if !r.verifySignature(req, body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if len(body) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}

	if err := r.applier.ApplyWebhookPayload(req.Context(), body); err != nil {
		// Malformed deliveries (unknown event, missing key) are a client
		// error; everything else is accepted anyway since a delivery the
		// syncer can't apply this time will be caught by the poller's next
		// full sync.
		if isMalformedPayload(err) {
			r.log.Warn("rejected malformed webhook payload", "error", err)
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		r.log.Warn("apply webhook payload", "error", err)
	}

	w.WriteHeader(http.StatusOK)
}

// verifySignature checks an HMAC-SHA256 signature of the raw body against
// the configured shared secret, supporting both a bare hex digest and a
// "sha256=<hex>" prefixed form.
func (r *Receiver) verifySignature(req *http.Request, body []byte) bool {
	if r.secret == "" {
		return false
	}

	sig := req.Header.Get(r.signatureHeader)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(r.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(sig), []byte(expected))
}

func isMalformedPayload(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "missing") || strings.Contains(msg, "unrecognized")
}

