package smarthttp

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gitvault/server/internal/objects"
	"github.com/gitvault/server/internal/pktline"
)

// UploadPackRequest is a parsed upload-pack negotiation body.
type UploadPackRequest struct {
	Wants        []objects.ObjectID
	Haves        []objects.ObjectID
	Shallow      []objects.ObjectID
	Capabilities []string
	Deepen       int
	Done         bool
}

// ParseUploadPackRequest decodes the want/shallow/deepen block, the
// FLUSH that ends it, and the have/done block that follows, enforcing
// limits.MaxWants/MaxHaves as it goes. The handler is responsible for
// the §4.H hardening checks that apply to parsed shas (ValidSHA) and
// capabilities (ValidateCapabilities) beyond count limits.
func ParseUploadPackRequest(r io.Reader, limits Limits) (*UploadPackRequest, error) {
	pr := pktline.NewReader(r)
	req := &UploadPackRequest{}
	firstWant := true

	for {
		pkt, err := pr.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("smarthttp: read want block: %w", err)
		}
		if pkt.Kind == pktline.KindFlush {
			break
		}
		if pkt.Kind != pktline.KindData {
			continue
		}
		line := strings.TrimSuffix(string(pkt.Payload), "\n")

		switch {
		case strings.HasPrefix(line, "want "):
			rest := strings.TrimPrefix(line, "want ")
			shaPart, capPart := rest, ""
			if idx := strings.IndexByte(rest, 0); idx >= 0 {
				shaPart, capPart = rest[:idx], rest[idx+1:]
			}
			shaPart = strings.TrimSpace(shaPart)
			if !ValidSHA(shaPart) {
				return nil, fmt.Errorf("smarthttp: invalid want sha %q", shaPart)
			}
			id, err := objects.NewObjectID(shaPart)
			if err != nil {
				return nil, fmt.Errorf("smarthttp: want sha: %w", err)
			}
			req.Wants = append(req.Wants, id)
			if firstWant {
				req.Capabilities = ParseCapabilities(capPart)
				firstWant = false
			}
			if len(req.Wants) > limits.MaxWants {
				return nil, fmt.Errorf("smarthttp: too many wants: exceeds %d", limits.MaxWants)
			}
		case strings.HasPrefix(line, "shallow "):
			shaPart := strings.TrimSpace(strings.TrimPrefix(line, "shallow "))
			if !ValidSHA(shaPart) {
				return nil, fmt.Errorf("smarthttp: invalid shallow sha %q", shaPart)
			}
			id, err := objects.NewObjectID(shaPart)
			if err != nil {
				return nil, err
			}
			req.Shallow = append(req.Shallow, id)
		case strings.HasPrefix(line, "deepen "):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "deepen ")))
			if err != nil {
				return nil, fmt.Errorf("smarthttp: invalid deepen value: %w", err)
			}
			req.Deepen = n
		default:
			// deepen-since/deepen-not/filter lines are accepted but not
			// interpreted at this layer; callers that care parse them
			// from the raw line themselves.
		}
	}

	rounds := 0
	for {
		pkt, err := pr.ReadPacket()
		if err == io.EOF {
			return req, nil
		}
		if err != nil {
			return nil, fmt.Errorf("smarthttp: read have block: %w", err)
		}
		if pkt.Kind == pktline.KindFlush {
			// A stateless-rpc client batches its have lines into
			// flush-terminated rounds (32 at a time in upstream git)
			// and keeps appending rounds until it runs out of haves
			// or sees "done"; every round arrives in this one POST
			// body, so this counts rounds rather than requests.
			rounds++
			if rounds > limits.MaxRounds {
				return nil, fmt.Errorf("smarthttp: too many negotiation rounds: exceeds %d", limits.MaxRounds)
			}
			continue
		}
		if pkt.Kind != pktline.KindData {
			continue
		}
		line := strings.TrimSuffix(string(pkt.Payload), "\n")
		switch {
		case strings.HasPrefix(line, "have "):
			shaPart := strings.TrimSpace(strings.TrimPrefix(line, "have "))
			if !ValidSHA(shaPart) {
				return nil, fmt.Errorf("smarthttp: invalid have sha %q", shaPart)
			}
			id, err := objects.NewObjectID(shaPart)
			if err != nil {
				return nil, err
			}
			req.Haves = append(req.Haves, id)
			if len(req.Haves) > limits.MaxHaves {
				return nil, fmt.Errorf("smarthttp: too many haves: exceeds %d", limits.MaxHaves)
			}
		case line == "done":
			req.Done = true
			return req, nil
		}
	}
}

// RefCommand is one receive-pack ref update: a zero OldSHA means
// create, a zero NewSHA means delete, otherwise it's a CAS update.
type RefCommand struct {
	OldSHA objects.ObjectID
	NewSHA objects.ObjectID
	Ref    string
}

func (c RefCommand) IsCreate() bool { return c.OldSHA.IsZero() }
func (c RefCommand) IsDelete() bool { return c.NewSHA.IsZero() }

// ParseReceivePackCommands decodes the command list (one or more
// "<old> <new> <ref>[\0<caps>]" lines terminated by FLUSH) and returns
// the commands, the capability set from the first line, and a reader
// positioned at the start of the raw pack bytes that follow.
func ParseReceivePackCommands(r io.Reader, limits Limits) ([]RefCommand, []string, io.Reader, error) {
	pr := pktline.NewReader(r)
	var commands []RefCommand
	var capabilities []string
	first := true

	for {
		pkt, err := pr.ReadPacket()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("smarthttp: read command list: %w", err)
		}
		if pkt.Kind == pktline.KindFlush {
			break
		}
		if pkt.Kind != pktline.KindData {
			continue
		}
		line := strings.TrimSuffix(string(pkt.Payload), "\n")
		if first {
			if idx := strings.IndexByte(line, 0); idx >= 0 {
				capabilities = ParseCapabilities(line[idx+1:])
				line = line[:idx]
			}
			first = false
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, nil, nil, fmt.Errorf("smarthttp: malformed command line %q", line)
		}
		if !ValidSHA(fields[0]) || !ValidSHA(fields[1]) {
			return nil, nil, nil, fmt.Errorf("smarthttp: malformed command shas %q", line)
		}
		if len(fields[2]) > limits.MaxRefLength {
			return nil, nil, nil, fmt.Errorf("smarthttp: ref name too long: %q", fields[2])
		}
		oldSHA, err := objects.NewObjectID(fields[0])
		if err != nil {
			return nil, nil, nil, err
		}
		newSHA, err := objects.NewObjectID(fields[1])
		if err != nil {
			return nil, nil, nil, err
		}
		commands = append(commands, RefCommand{OldSHA: oldSHA, NewSHA: newSHA, Ref: fields[2]})
	}
	return commands, capabilities, pr.Underlying(), nil
}
