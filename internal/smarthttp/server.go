// Package smarthttp implements the Smart HTTP server: ref advertisement,
// upload-pack/receive-pack negotiation, side-band pack delivery, and
// the production hardening limits that wrap every negotiating endpoint
// (§4.H). The teacher's internal/transport/http.go only ever plays the
// client side of this protocol, so the server is built from the wire
// contract in §4.C/§4.H/§6 directly.
package smarthttp

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gitvault/server/internal/metrics"
	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/pack"
	"github.com/gitvault/server/internal/pktline"
	"github.com/gitvault/server/internal/refs"
)

// zeroSHA is the all-zero object id used for ref creation/deletion
// commands and for the empty-repository advertisement.
const zeroSHA = "0000000000000000000000000000000000000000"

// ObjectStore is the read/write contract the server needs from the
// tiered object store.
type ObjectStore interface {
	ObjectGetter
	Put(ctx context.Context, typ objects.ObjectType, content []byte) (objects.ObjectID, error)
}

// Server serves the three Smart HTTP endpoints against a repository's
// object store and ref store.
type Server struct {
	Objects      ObjectStore
	Refs         *refs.Store
	Limits       Limits
	Limiter      *RateLimiter
	Log          *zap.Logger
	Agent        string
	ObjectFormat string
	// Metrics is optional; when set, the server reports negotiation
	// rounds and rejections against it.
	Metrics *metrics.Registry
}

func (s *Server) recordRejection(reason string) {
	if s.Metrics != nil {
		s.Metrics.NegotiationRejected.WithLabelValues(reason).Inc()
	}
}

// NewServer wires sensible defaults: the spec's documented hardening
// limits, a 50 req/s-per-client token bucket, and a "sha1" object
// format (this module's hash layer is SHA-1 throughout).
func NewServer(objects ObjectStore, refStore *refs.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Objects:      objects,
		Refs:         refStore,
		Limits:       DefaultLimits(),
		Limiter:      NewRateLimiter(50, 100),
		Log:          log,
		Agent:        "gitvault/1.0",
		ObjectFormat: "sha1",
	}
}

func (s *Server) checkRate(r *http.Request) RateDecision {
	if s.Limiter == nil {
		return RateDecision{Allowed: true}
	}
	return s.Limiter.BeforeRequest(r.RemoteAddr)
}

func writeRateLimited(w http.ResponseWriter, dec RateDecision) {
	if dec.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(dec.RetryAfter.Seconds()))))
	}
	http.Error(w, "rate limited", http.StatusTooManyRequests)
}

// writeErrPkt reports a negotiation-level failure inline over the
// wire, per §4.H: "emit ERR <msg>\n pkt-line, side-band channel 3 if
// active." HTTP status stays 200 since the client is mid-protocol.
func writeErrPkt(w http.ResponseWriter, contentType string, sideband bool, err error) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	pw := pktline.NewWriter(w)
	msg := []byte(fmt.Sprintf("ERR %s\n", err.Error()))
	if sideband {
		_ = writeSidebandChunk(pw, 3, msg)
	} else {
		_ = pw.WritePacket(msg)
	}
	_ = pw.Flush()
}

func sidebandEnabled(caps []string) bool {
	for _, c := range caps {
		if c == "side-band" || c == "side-band-64k" {
			return true
		}
	}
	return false
}

func containsCap(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// writeSidebandChunk wraps data in one or more band-prefixed pkt-line
// frames, chunked to pktline.MaxPayload-1 bytes of payload each.
func writeSidebandChunk(pw *pktline.Writer, band byte, data []byte) error {
	const chunk = pktline.MaxPayload - 1
	if len(data) == 0 {
		return nil
	}
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		frame := make([]byte, 0, n+1)
		frame = append(frame, band)
		frame = append(frame, data[:n]...)
		if err := pw.WritePacket(frame); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ServeInfoRefs implements GET /info/refs?service=….
func (s *Server) ServeInfoRefs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := r.URL.Query().Get("service")
	if service != "git-upload-pack" && service != "git-receive-pack" {
		http.Error(w, "unsupported service", http.StatusBadRequest)
		return
	}
	if dec := s.checkRate(r); !dec.Allowed {
		writeRateLimited(w, dec)
		return
	}

	allRefs, err := s.Refs.ListRefs("")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type adEntry struct {
		name   string
		sha    objects.ObjectID
		peeled objects.ObjectID
	}
	var entries []adEntry
	for _, ref := range allRefs {
		if ref.Kind != refs.KindDirect || ref.Name == "HEAD" {
			continue
		}
		id, err := objects.NewObjectID(ref.Target)
		if err != nil {
			continue
		}
		entry := adEntry{name: ref.Name, sha: id}
		if strings.HasPrefix(ref.Name, "refs/tags/") {
			if typ, data, err := s.Objects.Get(ctx, id); err == nil && typ == objects.TypeTag {
				if tag, err := objects.ParseTag(id, data); err == nil {
					entry.peeled = tag.Object()
				}
			}
		}
		entries = append(entries, entry)
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.WriteHeader(http.StatusOK)
	pw := pktline.NewWriter(w)
	_ = pw.WriteString(fmt.Sprintf("# service=%s\n", service))
	_ = pw.Flush()

	caps := CapabilityLine(s.Agent, s.ObjectFormat)
	if len(entries) == 0 {
		_ = pw.WriteString(fmt.Sprintf("%s capabilities^{}\x00%s\n", zeroSHA, caps))
	} else {
		_ = pw.WriteString(fmt.Sprintf("%s %s\x00%s\n", entries[0].sha, entries[0].name, caps))
		for _, e := range entries[1:] {
			_ = pw.WriteString(fmt.Sprintf("%s %s\n", e.sha, e.name))
		}
		for _, e := range entries {
			if !e.peeled.IsZero() {
				_ = pw.WriteString(fmt.Sprintf("%s %s^{}\n", e.peeled, e.name))
			}
		}
	}
	_ = pw.Flush()
}

// ServeUploadPack implements POST /git-upload-pack.
func (s *Server) ServeUploadPack(w http.ResponseWriter, r *http.Request) {
	const resultType = "application/x-git-upload-pack-result"
	if r.Header.Get("Content-Type") != "application/x-git-upload-pack-request" {
		s.recordRejection("content_type")
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if dec := s.checkRate(r); !dec.Allowed {
		s.recordRejection("rate_limited")
		writeRateLimited(w, dec)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.Limits.Timeout)
	defer cancel()

	req, err := ParseUploadPackRequest(r.Body, s.Limits)
	if err != nil {
		s.recordRejection("parse")
		writeErrPkt(w, resultType, false, err)
		return
	}
	accepted, _, err := ValidateCapabilities(req.Capabilities, s.Limits, false)
	if err != nil {
		s.recordRejection("capabilities")
		writeErrPkt(w, resultType, false, err)
		return
	}
	sideband := sidebandEnabled(accepted)
	if s.Metrics != nil {
		s.Metrics.NegotiationRounds.WithLabelValues("git-upload-pack").Observe(float64(len(req.Haves) + 1))
	}

	enum := NewEnumerator(s.Objects)
	missing, err := enum.MissingClosure(ctx, req.Wants, req.Haves)
	if err != nil {
		writeErrPkt(w, resultType, sideband, err)
		return
	}

	entries := make([]pack.Entry, 0, len(missing))
	for _, sha := range missing {
		typ, data, err := s.Objects.Get(ctx, sha)
		if err != nil {
			writeErrPkt(w, resultType, sideband, err)
			return
		}
		entries = append(entries, pack.Entry{Type: typ, Data: data})
	}

	var packBuf bytes.Buffer
	if err := pack.WritePack(&packBuf, entries); err != nil {
		writeErrPkt(w, resultType, sideband, err)
		return
	}

	w.Header().Set("Content-Type", resultType)
	w.WriteHeader(http.StatusOK)
	pw := pktline.NewWriter(w)
	if len(req.Haves) == 0 {
		_ = pw.WriteString("NAK\n")
	} else {
		_ = pw.WriteString(fmt.Sprintf("ACK %s\n", req.Haves[len(req.Haves)-1]))
	}

	if sideband {
		_ = writeSidebandChunk(pw, 1, packBuf.Bytes())
	} else {
		_ = pw.WritePacket(packBuf.Bytes())
	}
	_ = pw.Flush()

	s.Log.Info("upload-pack served", zap.Int("wants", len(req.Wants)), zap.Int("objects", len(entries)))
}

// ServeReceivePack implements POST /git-receive-pack.
func (s *Server) ServeReceivePack(w http.ResponseWriter, r *http.Request) {
	const resultType = "application/x-git-receive-pack-result"
	if r.Header.Get("Content-Type") != "application/x-git-receive-pack-request" {
		s.recordRejection("content_type")
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if dec := s.checkRate(r); !dec.Allowed {
		s.recordRejection("rate_limited")
		writeRateLimited(w, dec)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.Limits.Timeout)
	defer cancel()

	commands, caps, packReader, err := ParseReceivePackCommands(r.Body, s.Limits)
	if err != nil {
		s.recordRejection("parse")
		writeErrPkt(w, resultType, false, err)
		return
	}
	accepted, _, err := ValidateCapabilities(caps, s.Limits, false)
	if err != nil {
		s.recordRejection("capabilities")
		writeErrPkt(w, resultType, false, err)
		return
	}
	atomic := containsCap(accepted, "atomic")
	if s.Metrics != nil {
		s.Metrics.NegotiationRounds.WithLabelValues("git-receive-pack").Observe(float64(len(commands)))
	}

	var unpackErr error
	resolved, err := pack.ReadPack(packReader, nil)
	if err != nil {
		unpackErr = err
	} else {
		for _, obj := range resolved {
			if _, err := s.Objects.Put(ctx, objects.ObjectType(obj.Type), obj.Data); err != nil {
				unpackErr = err
				break
			}
		}
	}

	w.Header().Set("Content-Type", resultType)
	w.WriteHeader(http.StatusOK)
	pw := pktline.NewWriter(w)

	if unpackErr != nil {
		_ = pw.WriteString(fmt.Sprintf("unpack %s\n", unpackErr.Error()))
		for _, cmd := range commands {
			_ = pw.WriteString(fmt.Sprintf("ng %s unpack failed\n", cmd.Ref))
		}
		_ = pw.Flush()
		return
	}
	_ = pw.WriteString("unpack ok\n")

	results := s.applyCommands(commands, atomic)
	for _, res := range results {
		if res.err == nil {
			_ = pw.WriteString(fmt.Sprintf("ok %s\n", res.cmd.Ref))
		} else {
			_ = pw.WriteString(fmt.Sprintf("ng %s %s\n", res.cmd.Ref, res.err.Error()))
		}
	}
	_ = pw.Flush()
}

type cmdResult struct {
	cmd RefCommand
	err error
}

// applyCommands applies ref commands in order. When atomic is set, the
// first failure rolls back every already-applied command in reverse
// order and marks every remaining command as failed; object writes are
// never rolled back (unreferenced objects age out via GC).
func (s *Server) applyCommands(commands []RefCommand, atomic bool) []cmdResult {
	var results []cmdResult
	var applied []RefCommand

	for i, cmd := range commands {
		err := s.applyOne(cmd)
		results = append(results, cmdResult{cmd, err})
		if err == nil {
			applied = append(applied, cmd)
			continue
		}
		if !atomic {
			continue
		}
		for j := len(applied) - 1; j >= 0; j-- {
			s.rollback(applied[j])
		}
		for _, rest := range commands[i+1:] {
			results = append(results, cmdResult{rest, fmt.Errorf("atomic: rolled back")})
		}
		return results
	}
	return results
}

func (s *Server) applyOne(cmd RefCommand) error {
	switch {
	case cmd.IsDelete():
		return s.Refs.DeleteRef(cmd.Ref)
	case cmd.IsCreate():
		return s.Refs.SetRef(cmd.Ref, cmd.NewSHA, nil)
	default:
		old := cmd.OldSHA
		return s.Refs.SetRef(cmd.Ref, cmd.NewSHA, &old)
	}
}

func (s *Server) rollback(cmd RefCommand) {
	switch {
	case cmd.IsCreate():
		_ = s.Refs.DeleteRef(cmd.Ref)
	default:
		_ = s.Refs.SetRef(cmd.Ref, cmd.OldSHA, nil)
	}
}
